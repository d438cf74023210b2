package cmd

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reconcilearr",
	Short: "reconcilearr cli",
	Long:  `reconcilearr cli`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file")
}

const (
	defaultScanIntervalS    = 60
	defaultImportCheckWaitS = 600
)

func initConfig() {
	_ = godotenv.Load()

	viper.SetConfigFile(cfgFile)

	viper.SetEnvPrefix("RECONCILEARR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", ""))
	viper.AutomaticEnv()

	viper.SetDefault("manager.url", "")
	viper.SetDefault("manager.apiKey", "")
	viper.SetDefault("manager.timeoutS", 30)
	viper.SetDefault("manager.poolSize", 20)

	viper.SetDefault("webhook.enabled", true)
	viper.SetDefault("webhook.host", "0.0.0.0")
	viper.SetDefault("webhook.port", 8090)
	viper.SetDefault("webhook.secret", "")
	viper.SetDefault("webhook.importCheckDelayS", defaultImportCheckWaitS)
	viper.SetDefault("webhook.rateLimitPerMin", 30)

	viper.SetDefault("monitoring.intervalS", defaultScanIntervalS)
	viper.SetDefault("monitoring.forceImportThreshold", 10)
	viper.SetDefault("monitoring.removePublicFailures", true)
	viper.SetDefault("monitoring.protectPrivateRatio", 0.0)

	viper.SetDefault("trackers.private", []string{})
	viper.SetDefault("trackers.public", []string{})

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "")

	viper.SetDefault("mode.dryRun", false)
}
