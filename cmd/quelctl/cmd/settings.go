package cmd

import (
	"github.com/spf13/cobra"

	"quel-fitting-server/modules/common/model"
)

// addSettingsFlags registers the quality settings shared by estimate and submit.
func addSettingsFlags(c *cobra.Command) {
	flags := c.Flags()
	flags.String("tier", "standard", "Quality tier: basic, standard, premium, ultra")
	flags.Bool("retry", false, "Retry with adjusted parameters when validation fails")
	flags.Int("max-retries", 0, "Retries after the first attempt (with --retry)")
	flags.Float64("consistency", 0.5, "Model consistency priority (0-1)")
	flags.Float64("accuracy", 0.5, "Garment accuracy priority (0-1)")
	flags.Float64("threshold", 0, "Validation threshold (0 uses the tier default)")
	flags.String("provider", "", "Provider profile name (empty uses the server default)")
}

func settingsFromFlags(c *cobra.Command) (model.QualitySettings, error) {
	flags := c.Flags()
	rawTier, _ := flags.GetString("tier")
	tier, err := model.ParseQualityTier(rawTier)
	if err != nil {
		return model.QualitySettings{}, err
	}

	s := model.QualitySettings{Tier: tier}
	s.EnableRetry, _ = flags.GetBool("retry")
	s.MaxRetries, _ = flags.GetInt("max-retries")
	s.ConsistencyPriority, _ = flags.GetFloat64("consistency")
	s.AccuracyPriority, _ = flags.GetFloat64("accuracy")
	s.ValidationThreshold, _ = flags.GetFloat64("threshold")
	s.Provider, _ = flags.GetString("provider")
	return s, nil
}
