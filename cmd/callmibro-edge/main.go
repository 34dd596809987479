package main

import (
	"os"

	"github.com/spf13/cobra"

	"callmibro/internal/edge"
	"callmibro/internal/logger"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "callmibro-edge",
		Short:        "Offline-capable caching edge for CallMiBro",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVar(&configPath, "config", getenvDefault("CALLMIBRO_EDGE_CONFIG", "/callmibro-edge.yaml"), "path to callmibro-edge.yaml")

	root.AddCommand(newServeCmd(), newQueueCmd(), newBucketsCmd())
	return root
}

func loadConfig() (edge.Config, error) {
	cfg, err := edge.LoadConfig(configPath)
	if err != nil {
		return edge.Config{}, err
	}
	logger.Setup(cfg.Logging.Level)
	return cfg, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
