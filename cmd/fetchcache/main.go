// Command fetchcache runs the cache engine as an HTTP proxy in front of an
// origin and offers maintenance commands on its storage.
package main

import (
	"io"
	"os"

	"github.com/always-cache/fetchcache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// persistent flags
	configFlag         string
	originFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:   "fetchcache",
	Short: "Versioned HTTP cache and request router",
	Long: `fetchcache routes every request to a caching strategy and serves it
from a versioned cache partition, the network, or both.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "fetchcache.yml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&originFlag, "origin", "", "Origin URL (overrides the configured origin)")
	rootCmd.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	rootCmd.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() error {
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// log to stdout, and to the log file if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	log.Logger = log.Level(logLevel).Output(zerolog.MultiLevelWriter(logOutputs...)).
		With().Str("build", version).Logger()
	return nil
}

// loadConfig reads the configuration file and applies the flag overrides.
func loadConfig() (fetchcache.Config, error) {
	cfg, err := fetchcache.LoadConfig(configFlag)
	if err != nil {
		return cfg, err
	}
	if originFlag != "" {
		cfg.Origin = originFlag
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// openEngine creates an engine for the configuration file.
func openEngine(opts ...fetchcache.Option) (*fetchcache.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return fetchcache.New(cfg, append([]fetchcache.Option{fetchcache.WithLogger(log.Logger)}, opts...)...)
}
