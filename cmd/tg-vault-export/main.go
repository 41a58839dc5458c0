package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/tg-vault-export/internal/app"
	"github.com/yourusername/tg-vault-export/internal/domain"
	"github.com/yourusername/tg-vault-export/pkg/logger"
)

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "tg-vault-export",
		Short: "Export Telegram chats into an Obsidian vault",
		Long: `Exports messages and media of Telegram chats as Markdown notes.
Runs are resumable: processed messages are remembered in a cache file and
skipped by the next run.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./config.yaml or "+app.DefaultConfigDir+"/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(dialogsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(logsCmd)
}

// loadConfig loads the configuration and builds the console logger
func loadConfig() (*domain.Config, *zap.Logger) {
	config, err := app.LoadConfig(configPath)
	if err != nil {
		fatal(err)
	}

	level := config.Logging.Level
	if verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{
		Level:      level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		fatal(fmt.Errorf("%w: %v", domain.ErrFatalConfig, err))
	}
	return config, log
}

// interactive reports whether both ends of the terminal are attached
func interactive() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stderr.Fd())
}

// exitCode maps run errors onto the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, domain.ErrAllTargetsUnresolved), errors.Is(err, domain.ErrFatalConfig):
		return 1
	default:
		return 0
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
