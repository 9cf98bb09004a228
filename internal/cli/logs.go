package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/poppobuilder/dispatchd/internal/ctrlsock"
)

var (
	logsFollow bool
	logsLines  int
	logsLevel  string
)

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream new lines as they are written")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "number of trailing lines to show")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "passed to the daemon; the output is not filtered by level")
}

var logsCmd = &cobra.Command{
	Use:   "logs <task_id>",
	Short: "Show or follow a task's captured output",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func runLogs(cmd *cobra.Command, args []string) error {
	client := ctrlsock.NewClient(socketPath)
	return client.Send(ctrlsock.Request{
		Command: ctrlsock.CmdLogs,
		TaskID:  args[0],
		Follow:  logsFollow,
		Lines:   logsLines,
		Level:   logsLevel,
	}, func(resp ctrlsock.Response) error {
		if !resp.OK {
			return fmt.Errorf("logs: %s", resp.Error)
		}
		var line ctrlsock.LogLine
		if err := json.Unmarshal(resp.Data, &line); err != nil {
			return err
		}
		if line.Message != "" {
			fmt.Println(line.Message)
		}
		return nil
	})
}
