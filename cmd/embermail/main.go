package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/embermail/embermail/internal/config"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "embermail",
		Short: "Embermail - mailbox warmup and delivery engine",
		Long: `Embermail ramps the sending reputation of new mailboxes by gradually
increasing outbound email volume on a calendar-day schedule, delivering
both user-submitted and synthetic warmup mail through provider APIs with
durable queueing, bounded retry and automatic token refresh.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Embermail %s\n", cmd.Root().Version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

func init() {
	configCmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := toml.Marshal(config.DefaultConfig())
			if err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FindConfigFile(configPath)
			if path == "" {
				return fmt.Errorf("no configuration file found")
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Printf("%s: configuration valid\n", path)
			return nil
		},
	})
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.FindConfigFile(configPath))
}
