package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/poppobuilder/dispatchd/internal/ctrlsock"
)

var maintenanceAllow []string

func init() {
	rootCmd.AddCommand(maintenanceCmd)
	maintenanceCmd.AddCommand(maintenanceStartCmd, maintenanceStopCmd, maintenanceStatusCmd, maintenanceExtendCmd)
	maintenanceStartCmd.Flags().StringSliceVar(&maintenanceAllow, "allow", nil, "task types still permitted to run (default: none)")
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Pause or resume dispatch",
}

var maintenanceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Enter maintenance mode, pausing dispatch of disallowed task types",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendMaintenance(ctrlsock.Request{
			Command:           ctrlsock.CmdMaintenance,
			MaintenanceAction: ctrlsock.MaintenanceStart,
			AllowedTypes:      maintenanceAllow,
		})
	},
}

var maintenanceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Leave maintenance mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendMaintenance(ctrlsock.Request{Command: ctrlsock.CmdMaintenance, MaintenanceAction: ctrlsock.MaintenanceStop})
	},
}

var maintenanceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether maintenance mode is active",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendMaintenance(ctrlsock.Request{Command: ctrlsock.CmdMaintenance, MaintenanceAction: ctrlsock.MaintenanceStatus})
	},
}

var maintenanceExtendCmd = &cobra.Command{
	Use:   "extend <duration>",
	Short: "Extend the current maintenance window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("maintenance extend: %w", err)
		}
		return sendMaintenance(ctrlsock.Request{Command: ctrlsock.CmdMaintenance, MaintenanceAction: ctrlsock.MaintenanceExtend, ExtendFor: d})
	},
}

func sendMaintenance(req ctrlsock.Request) error {
	resp, err := ctrlsock.NewClient(socketPath).SendOnce(req)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("maintenance: %s", resp.Error)
	}
	var payload ctrlsock.MaintenancePayload
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return err
	}
	if !payload.Active {
		fmt.Println("maintenance: inactive")
		return nil
	}
	fmt.Printf("maintenance: active, allowed=%v", payload.AllowedTypes)
	if !payload.ExpiresAt.IsZero() {
		fmt.Printf(", expires %s", payload.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	return nil
}
