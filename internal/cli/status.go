package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/poppobuilder/dispatchd/internal/ctrlsock"
)

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON instead of a table")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, per-project, and per-worker status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := ctrlsock.NewClient(socketPath).SendOnce(ctrlsock.Request{Command: ctrlsock.CmdStatus})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("status: %s", resp.Error)
	}
	if statusJSON {
		fmt.Println(string(resp.Data))
		return nil
	}

	var payload ctrlsock.StatusPayload
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return err
	}

	mode := "running"
	if payload.MaintenanceActive {
		mode = "maintenance"
	}
	fmt.Printf("%s (pid %d): %s, queue depth %d\n", payload.Host, payload.PID, mode, payload.QueueDepth)
	if len(payload.Projects) > 0 {
		fmt.Println("\nprojects:")
		for _, p := range payload.Projects {
			fmt.Printf("  %-20s queued=%d running=%d\n", p.ProjectID, p.Queued, p.Running)
		}
	}
	if len(payload.Running) > 0 {
		fmt.Println("\nrunning:")
		for _, r := range payload.Running {
			fmt.Printf("  %-24s %-12s %s\n", r.TaskID, r.Type, r.StartedAt.Format("15:04:05"))
		}
	}
	return nil
}
