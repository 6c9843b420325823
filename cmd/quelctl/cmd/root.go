package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quelctl",
	Short: "quelctl talks to the quel fitting server",
	Long: `quelctl is the command-line interface for the quel fitting server.

The server turns a garment photo (plus an optional model face and detail shots)
into a photo of a model wearing the garment. Jobs run through the stages
analyzing, generating_model, applying_product and validating, retrying with
adjusted parameters until the quality threshold of the tier is met.

Common workflows:

  Estimate cost and time for a tier without calling the server:
    quelctl estimate --tier premium --retry --max-retries 2

  Preview the reference canvas sent to the provider:
    quelctl compose --product shirt.png --face face.jpg --detail collar.png -o canvas.jpg

  Submit a job and wait for it:
    quelctl submit --product shirt.png --face face.jpg --tier standard --wait

  Check or cancel a job:
    quelctl status <job-id>
    quelctl cancel <job-id>

Configuration:
  Set the server address via flag, environment variable or config file:
    QUEL_URL    fitting server address (default: http://localhost:8080)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".quelctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("QUEL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.quelctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "fitting server URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
