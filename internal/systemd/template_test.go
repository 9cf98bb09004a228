package systemd

import (
	"strings"
	"testing"
)

func TestDaemonUnit(t *testing.T) {
	tmpl := DaemonUnit()

	for _, section := range []string{"[Unit]", "[Service]", "[Install]"} {
		if !strings.Contains(tmpl, section) {
			t.Errorf("unit missing section %s", section)
		}
	}

	if !strings.Contains(tmpl, "poppobuilderd serve") {
		t.Error("unit missing the poppobuilderd serve invocation")
	}

	if !strings.Contains(tmpl, "ExecReload=/bin/kill -HUP") {
		t.Error("unit missing SIGHUP reload hookup")
	}

	for _, directive := range []string{"NoNewPrivileges=true", "PrivateTmp=true", "ProtectSystem=strict"} {
		if !strings.Contains(tmpl, directive) {
			t.Errorf("unit missing security directive %s", directive)
		}
	}
}
