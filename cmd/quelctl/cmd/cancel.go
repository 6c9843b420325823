package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a fitting job",
	Long: `Cancel a queued or running fitting job. Cancelling an already cancelled job
is a no-op; a job that completed or failed cannot be cancelled.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewFittingClient(viper.GetString("url"))
		resp, err := client.CancelJob(args[0])
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Cancel failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Cancel failed: %v\n", err)
			}
			return
		}
		cmd.Printf("✓ Job %s is %s\n", resp.Job.ID, resp.Job.Status)
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
