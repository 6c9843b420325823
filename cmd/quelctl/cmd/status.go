package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quel-fitting-server/modules/common/model"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a fitting job",
	Long:  `Retrieve the current state of a fitting job: status, stage, progress, attempts, quality scores and the result image when it completed.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewFittingClient(viper.GetString("url"))
		resp, err := client.GetJob(args[0])
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Request failed with status code: %d (%s)\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Failed to send request: %v\n", err)
			}
			return
		}
		printJob(cmd, resp.Job)
	},
}

func printJob(cmd *cobra.Command, job *model.GenerationJob) {
	cmd.Printf("%s %sFitting Job%s\n", statusIcon(job.Status), colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, job.ID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(job.Status))
	if job.Stage != "" {
		cmd.Printf("%sStage:%s       %s\n", colorDim, colorReset, job.Stage)
	}
	cmd.Printf("%sProgress:%s    %d%%\n", colorDim, colorReset, job.Progress)
	cmd.Printf("%sAttempt:%s     %d/%d\n", colorDim, colorReset, job.Attempt, job.MaxAttempts)
	cmd.Printf("%sTier:%s        %s\n", colorDim, colorReset, job.QualityTier)

	if !job.Status.IsTerminal() && job.ETASeconds > 0 {
		cmd.Printf("%sETA:%s         ~%ds\n", colorDim, colorReset, job.ETASeconds)
	}

	for _, h := range job.History {
		mark := colorRed + "✗" + colorReset
		if h.Success {
			mark = colorGreen + "✓" + colorReset
		}
		cmd.Printf("%sAttempt %d:%s   %s score %.3f %s(%s)%s\n", colorDim, h.Attempt, colorReset, mark, h.QualityScore,
			colorCyan, formatDuration(time.Duration(h.DurationMs)*time.Millisecond), colorReset)
	}

	if job.Result != nil {
		cmd.Printf("%sResult:%s      %s\n", colorDim, colorReset, job.Result.ImageURL)
		if job.Result.StoredPath != "" {
			cmd.Printf("%sStored:%s      %s\n", colorDim, colorReset, job.Result.StoredPath)
		}
		if job.Result.AttachID != 0 {
			cmd.Printf("%sAttach:%s      %d\n", colorDim, colorReset, job.Result.AttachID)
		}
		m := job.Result.Metrics
		cmd.Printf("%sScores:%s      consistency %.3f, accuracy %.3f, overall %.3f\n", colorDim, colorReset, m.Consistency, m.Accuracy, m.Overall)
	}

	if job.Error != nil {
		cmd.Printf("%sError:%s       %s%s: %s%s\n", colorDim, colorReset, colorRed, job.Error.Kind, job.Error.Message, colorReset)
	}

	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&job.CreatedAt))
	if job.CompletedAt != nil {
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(job.CompletedAt),
			colorCyan, formatDuration(job.CompletedAt.Sub(job.CreatedAt)), colorReset)
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status model.JobStatus) string {
	switch status {
	case model.StatusCompleted:
		return colorGreen + "✓" + colorReset
	case model.StatusFailed:
		return colorRed + "✗" + colorReset
	case model.StatusCancelled:
		return colorYellow + "⊘" + colorReset
	case model.StatusRunning:
		return colorYellow + "⏳" + colorReset
	case model.StatusQueued:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status model.JobStatus) string {
	icon := statusIcon(status)
	switch status {
	case model.StatusCompleted:
		return icon + " " + colorGreen + string(status) + colorReset
	case model.StatusFailed:
		return icon + " " + colorRed + string(status) + colorReset
	case model.StatusRunning, model.StatusCancelled:
		return icon + " " + colorYellow + string(status) + colorReset
	case model.StatusQueued:
		return icon + " " + colorCyan + string(status) + colorReset
	default:
		return string(status)
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relativeTime(*t), colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
