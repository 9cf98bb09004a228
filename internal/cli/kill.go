package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/poppobuilder/dispatchd/internal/ctrlsock"
)

var killForce bool

func init() {
	rootCmd.AddCommand(killCmd)
	killCmd.Flags().BoolVar(&killForce, "force", false, "passed to the daemon, which does not act on it: cancellation always sends SIGTERM and escalates to SIGKILL after the grace period")
}

var killCmd = &cobra.Command{
	Use:   "kill <task_id>",
	Short: "Terminate a running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

func runKill(cmd *cobra.Command, args []string) error {
	resp, err := ctrlsock.NewClient(socketPath).SendOnce(ctrlsock.Request{
		Command: ctrlsock.CmdKill,
		TaskID:  args[0],
		Force:   killForce,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("kill: %s", resp.Error)
	}
	fmt.Printf("killed %s\n", args[0])
	return nil
}
