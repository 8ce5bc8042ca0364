package main

import (
	"fmt"

	"github.com/casualjim/hoot/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Global flag values.
var (
	configPath string
	verbose    bool
	noColor    bool
	recordPath string
	replayPath string
)

// cfg is loaded before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "hoot",
	Short: "Chat with language models from the terminal",
	Long: `Hoot streams chat completions from OpenAI compatible providers, keeps the
conversation history in a local database and lets you pause a reply with Ctrl-C.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if noColor {
			color.NoColor = true
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		level := loaded.Log.Level
		if verbose {
			level = "debug"
		}
		if err := setupLogging(cmd.ErrOrStderr(), level); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hoot %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&recordPath, "record", "", "append provider events to this JSONL file")
	rootCmd.PersistentFlags().StringVar(&replayPath, "replay", "", "answer from recorded provider events instead of calling the provider")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}
