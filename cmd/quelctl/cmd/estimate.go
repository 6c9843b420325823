package cmd

import (
	"github.com/spf13/cobra"

	"quel-fitting-server/modules/estimate"
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate cost and time for a quality tier",
	Long: `Compute the estimated cost and processing time for a job with the given
quality settings. The calculation is local and uses the built-in tier table.

Example:
  quelctl estimate --tier premium --retry --max-retries 2 --consistency 0.9 --accuracy 0.9`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		settings, err := settingsFromFlags(cmd)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		table := estimate.DefaultTable()
		tier, err := table.Lookup(settings.Tier)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		result := estimate.Estimate(tier, settings)

		threshold := tier.ValidationThreshold
		if settings.ValidationThreshold > 0 {
			threshold = settings.ValidationThreshold
		}

		cmd.Printf("%sEstimate%s\n", colorBold, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sTier:%s        %s\n", colorDim, colorReset, settings.Tier)
		cmd.Printf("%sAttempts:%s    up to %d\n", colorDim, colorReset, settings.MaxAttempts())
		cmd.Printf("%sThreshold:%s   %.2f\n", colorDim, colorReset, threshold)
		cmd.Printf("%sCost:%s        $%.2f %s(x%.2f)%s\n", colorDim, colorReset, result.Cost, colorDim, result.CostMultiplier, colorReset)
		cmd.Printf("%sTime:%s        ~%ds %s(x%.2f)%s\n", colorDim, colorReset, result.TimeSeconds, colorDim, result.TimeMultiplier, colorReset)
	},
}

func init() {
	addSettingsFlags(estimateCmd)
	rootCmd.AddCommand(estimateCmd)
}
