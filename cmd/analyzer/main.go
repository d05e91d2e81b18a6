package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/app"
)

var (
	cfgFile  string
	logLevel string

	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "analyzer",
	Short: "Host security event analyzer",
	Long: `analyzer ingests host security events (logins, account and group
changes, service installs, file mutations, resource samples), scores them,
detects attack patterns and raises deduplicated alerts.

Detection Capabilities:
  - Brute force: repeated failed logins per user or source address
  - Privilege escalation: privilege grants and admin-group additions
  - Ransomware: bursts of file mutations under one directory
  - Service installation: new services on the host
  - Resource anomalies: sustained CPU/memory pressure, connection floods`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("analyzer %s\n", Version)
		fmt.Printf("Commit:  %s\n", Commit)
		fmt.Printf("Built:   %s\n", BuildTime)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("db", "", "event store path")
	rootCmd.PersistentFlags().String("driver", "", "event store driver: sqlite or bolt")

	_ = viper.BindPFlag("storage.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("storage.driver", rootCmd.PersistentFlags().Lookup("driver"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	app.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/secanalyzer")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Msg("Error reading config file")
		}
	}

	viper.SetEnvPrefix("SECANALYZER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// loadConfig validates the merged configuration and sets up logging from it.
func loadConfig() (*app.Config, error) {
	cfg, err := app.LoadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging)
	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug().Str("path", used).Msg("Configuration loaded")
	}
	return cfg, nil
}

func setupLogging(cfg app.LoggingConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch cfg.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
