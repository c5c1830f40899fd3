// Command projectctl is the operator tool for project storage: inspect and
// verify projects, migrate old ones, and back them up to or restore them
// from an S3-compatible store.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"projectcore/internal/config"
	"projectcore/internal/logging"
	"projectcore/internal/metrics"
)

var (
	cfgPath    string
	projectDir string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "projectctl",
	Short: "Inspect, verify, migrate, and back up project storage",
	Long: `projectctl operates on project directories: a project.json index plus a
data directory holding one archive file per small item and a chunk database
for large or live arrays.

Examples:
  # Show project identity, version, and item count
  projectctl --project ./session-2026 info

  # Upgrade an old project into a sibling directory
  projectctl --project ./session-2024 migrate

  # Copy every payload and the index to S3
  projectctl --project ./session-2026 backup --bucket lab-backups`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
		metrics.Register()
		if cfg.Metrics.Enabled {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
					slog.Error("metrics listener failed", "err", err)
				}
			}()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", "", "Project directory (required)")
	rootCmd.AddCommand(infoCmd, itemsCmd, verifyCmd, migrateCmd, backupCmd, restoreCmd)
}

func requireProject() error {
	if projectDir == "" {
		return fmt.Errorf("--project is required")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
