// Command offlinectl runs the offline agent and the reference backend, and
// inspects a running agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-kit/config"
	"github.com/c0deZ3R0/go-offline-kit/logging"
)

var (
	configPath string
	agentURL   string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "offlinectl",
	Short: "Offline synchronization agent and tools",
	Long: "Run the offline agent in front of a field application, run the reference backend,\n" +
		"and inspect or drive the agent's sync queue.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
		} else {
			cfg = config.Default()
		}
		config.ApplyEnv(cfg)
		logging.Init(cfg.Log)
		if agentURL == "" {
			agentURL = "http://" + cfg.Agent.Addr
		}
		agentURL = strings.TrimRight(agentURL, "/")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml or toml)")
	rootCmd.PersistentFlags().StringVar(&agentURL, "agent", "", "agent base URL (defaults to http://<agent.addr>)")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
