package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quel-fitting-server/modules/common/model"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a fitting job",
	Long: `Upload the garment (and optional face and detail images) and start a fitting job.

With --wait the command polls the job until it completes, fails or is cancelled.

Example:
  quelctl submit --product shirt.png --face face.jpg --tier premium --retry --max-retries 2
  quelctl submit --product dress.webp --detail hem.png --wait --interval 2s`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		product, _ := flags.GetString("product")
		face, _ := flags.GetString("face")
		details, _ := flags.GetStringSlice("detail")
		jobID, _ := flags.GetString("job-id")
		wait, _ := flags.GetBool("wait")
		interval, _ := flags.GetDuration("interval")

		if product == "" {
			cmd.Println("Error: --product is required")
			return
		}
		settings, err := settingsFromFlags(cmd)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		inputs, err := loadInputFiles(face, product, details)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		client := NewFittingClient(viper.GetString("url"))
		created, err := client.CreateJob(inputs, settings, jobID)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Submit failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Submit failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Job submitted!\nJob ID: %s\n", created.Job.ID)
		if created.Estimate != nil {
			cmd.Printf("Estimate: $%.2f, ~%ds\n", created.Estimate.Cost, created.Estimate.TimeSeconds)
		}
		if !wait {
			return
		}

		job, err := waitForJob(cmd, client, created.Job.ID, interval)
		if err != nil {
			cmd.Printf("Wait failed: %v\n", err)
			return
		}
		printJob(cmd, job)
	},
}

// waitForJob polls until the job reaches a terminal status.
func waitForJob(cmd *cobra.Command, client *FittingClient, jobID string, interval time.Duration) (*model.GenerationJob, error) {
	if interval <= 0 {
		interval = time.Second
	}
	lastStage := model.Stage("")
	for {
		resp, err := client.GetJob(jobID)
		if err != nil {
			return nil, err
		}
		job := resp.Job
		if job.Status.IsTerminal() {
			return job, nil
		}
		if job.Stage != lastStage {
			cmd.Printf("%s… %s (attempt %d/%d, %d%%)%s\n", colorDim, job.Stage, job.Attempt, job.MaxAttempts, job.Progress, colorReset)
			lastStage = job.Stage
		}
		time.Sleep(interval)
	}
}

// loadInputFiles reads the files and names them the way the server expects.
func loadInputFiles(face, product string, details []string) ([]InputFile, error) {
	var inputs []InputFile
	add := func(name, path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		inputs = append(inputs, InputFile{Name: name, Data: data})
		return nil
	}

	if face != "" {
		if err := add("face", face); err != nil {
			return nil, err
		}
	}
	if err := add("product", product); err != nil {
		return nil, err
	}
	for i, d := range details {
		if err := add(fmt.Sprintf("detail%d", i+1), d); err != nil {
			return nil, err
		}
	}
	return inputs, nil
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("product", "p", "", "Garment image (required)")
	flags.StringP("face", "f", "", "Model face image (optional)")
	flags.StringSliceP("detail", "d", []string{}, "Detail close-up images (repeatable)")
	flags.String("job-id", "", "Use this job ID instead of a generated one")
	flags.BoolP("wait", "w", false, "Wait until the job finishes")
	flags.Duration("interval", time.Second, "Polling interval with --wait")
	addSettingsFlags(submitCmd)

	rootCmd.AddCommand(submitCmd)
}
