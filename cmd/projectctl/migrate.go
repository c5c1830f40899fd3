package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"projectcore/internal/migration"
	"projectcore/pkg/schema"
)

var migrateDest string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade an old project into a new directory",
	Long: `migrate detects the project's on-disk version and, when older than the
current version, writes an upgraded copy to the destination directory. The
source project is never modified, so a failed migration can simply be
retried. By default the destination is the source path with a -v<N> suffix.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		needed, version, err := migration.Required(projectDir)
		if err != nil {
			return err
		}
		if !needed {
			fmt.Printf("project is already at version %d\n", version)
			return nil
		}
		report, err := migration.Migrate(cmd.Context(), projectDir, destDir())
		if err != nil {
			return err
		}
		fmt.Printf("migrated %s (v%d) to %s (v%d)\n", projectDir, report.FromVersion, destDir(), report.ToVersion)
		for _, step := range report.Steps {
			fmt.Printf("  %s\n", step)
		}
		fmt.Printf("%d items written, %d created by upgrade\n", report.Items, report.CreatedItems)
		return nil
	},
}

func destDir() string {
	if migrateDest != "" {
		return migrateDest
	}
	return fmt.Sprintf("%s-v%d", projectDir, schema.CurrentVersion)
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDest, "dest", "", "Destination directory (default <project>-v<N>)")
}
