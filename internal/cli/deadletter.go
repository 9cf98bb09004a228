package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/poppobuilder/dispatchd/internal/ctrlsock"
)

func init() {
	rootCmd.AddCommand(deadLetterCmd)
	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterShowCmd, deadLetterRetryCmd)
}

var deadLetterCmd = &cobra.Command{
	Use:   "dead-letter",
	Short: "Inspect and reinject dead-lettered items",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered items",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := ctrlsock.NewClient(socketPath).SendOnce(ctrlsock.Request{
			Command:          ctrlsock.CmdDeadLetter,
			DeadLetterAction: ctrlsock.DeadLetterList,
		})
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("dead-letter list: %s", resp.Error)
		}
		var entries []ctrlsock.DeadLetterEntry
		if err := json.Unmarshal(resp.Data, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%-36s %-20s %-12s attempts=%d reason=%s\n", e.ID, e.ProjectID+"/"+e.ItemID, e.Type, e.Attempts, e.Reason)
		}
		return nil
	},
}

var deadLetterShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one dead-lettered item in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := ctrlsock.NewClient(socketPath).SendOnce(ctrlsock.Request{
			Command:          ctrlsock.CmdDeadLetter,
			DeadLetterAction: ctrlsock.DeadLetterShow,
			DeadLetterID:     args[0],
		})
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("dead-letter show: %s", resp.Error)
		}
		fmt.Println(string(resp.Data))
		return nil
	},
}

var deadLetterRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reinject a dead-lettered item back onto the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := ctrlsock.NewClient(socketPath).SendOnce(ctrlsock.Request{
			Command:          ctrlsock.CmdDeadLetter,
			DeadLetterAction: ctrlsock.DeadLetterRetry,
			DeadLetterID:     args[0],
		})
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("dead-letter retry: %s", resp.Error)
		}
		fmt.Printf("requeued %s\n", args[0])
		return nil
	},
}
