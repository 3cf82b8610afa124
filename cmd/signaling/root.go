package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mossy-p/room-signaling/config"
)

var (
	flagPort     string
	flagLogLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "signaling",
	Short: "Room-based WebRTC signaling relay",
	Long: `signaling relays WebRTC offers, answers and ICE candidates between the
members of named rooms. Clients authenticate into a room with a short-lived,
room-scoped token; several instances can share room state through Redis.`,
}

// Execute runs the root command. Called once by main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagPort != "" {
		cfg.Port = flagPort
	}
	if flagLogLevel != "" {
		level, err := config.ParseLogLevel(flagLogLevel)
		if err != nil {
			return nil, err
		}
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}
