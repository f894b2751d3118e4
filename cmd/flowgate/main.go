package main

import (
	"fmt"
	"os"

	"github.com/fentz26/flowgate/internal/config"
	"github.com/fentz26/flowgate/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "flowgate",
	Short: "flowgate - human-approved AI workflows",
	Long: `flowgate classifies incoming requests with a language model, holds the
recommended action for human approval, and executes approved actions exactly once.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if apiAddr == "" {
			apiAddr = cfg.Server.URL
		}

		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var (
	configPath string
	apiAddr    string

	cfg    *config.Config
	logger *zap.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: flowgate.yaml in ., ./config or ~/.flowgate)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "API server URL (default: server.url from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(linearCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the API server and its database",
	RunE: func(cmd *cobra.Command, args []string) error {
		health, err := checkHealth()
		if err != nil {
			return err
		}
		fmt.Printf("API:      %s (version %s)\n", apiAddr, health.Version)
		fmt.Printf("Database: %s\n", health.DB)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the flowgate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
