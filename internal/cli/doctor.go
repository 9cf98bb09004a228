package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/poppobuilder/dispatchd/internal/config"
	"github.com/poppobuilder/dispatchd/internal/systemd"
)

var doctorConfigPath string

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorConfigPath, "config", "/etc/poppobuilder/config.yml", "path to the daemon's YAML configuration")
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check system readiness and diagnose configuration issues",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []checkResult

	if _, err := os.Stat(doctorConfigPath); err == nil {
		if _, err := config.Load(doctorConfigPath); err != nil {
			checks = append(checks, checkResult{label: "config", ok: false, detail: err.Error(), fix: "fix the YAML and re-run"})
		} else {
			checks = append(checks, checkResult{label: "config", ok: true, detail: doctorConfigPath})
		}
	} else {
		checks = append(checks, checkResult{label: "config", ok: true, detail: "using built-in defaults (no file at " + doctorConfigPath + ")"})
	}

	if _, err := os.Stat(socketPath); err == nil {
		checks = append(checks, checkResult{label: "control socket", ok: true, detail: socketPath})
	} else {
		checks = append(checks, checkResult{label: "control socket", ok: false, detail: "not found at " + socketPath, fix: "poppobuilderd serve"})
	}

	foundUnit := false
	for _, p := range systemd.UnitFilePaths {
		if _, err := os.Stat(p); err == nil {
			foundUnit = true
			break
		}
	}
	if foundUnit {
		if msg := systemd.CheckUnitFileIntegrity(); msg != "" {
			checks = append(checks, checkResult{label: "systemd unit", ok: false, detail: msg})
		} else {
			checks = append(checks, checkResult{label: "systemd unit", ok: true, detail: "installed"})
		}
	} else {
		checks = append(checks, checkResult{label: "systemd unit", ok: false, detail: "not installed", fix: "write systemd.DaemonUnit() to /etc/systemd/system/poppobuilderd.service"})
	}

	hasFailures := false
	for _, c := range checks {
		mark := "✓"
		if !c.ok {
			mark = "✗"
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Println(line)
	}

	if hasFailures {
		fmt.Println()
		fmt.Println("Some checks failed. Address the items above.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Println()
	fmt.Println("All checks passed.")
	return nil
}
