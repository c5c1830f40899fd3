package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"projectcore/pkg/project"
)

func openReadOnly(cmd *cobra.Command) (*project.Project, error) {
	if err := requireProject(); err != nil {
		return nil, err
	}
	return project.Open(cmd.Context(), projectDir, project.Options{
		ArchiveMaxBytes: cfg.Storage.ArchiveMaxBytes,
		ChunkSize:       cfg.Storage.ChunkSize,
		IdleClose:       cfg.Storage.IdleClose(),
		ReadOnly:        true,
	})
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show project identity, version, and item count",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openReadOnly(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = p.Close() }()

		fmt.Printf("path:     %s\n", p.Dir())
		fmt.Printf("uuid:     %s\n", p.UUID())
		fmt.Printf("version:  %d\n", p.Version())
		fmt.Printf("items:    %d\n", len(p.Items()))
		if p.MigrationRequired() {
			fmt.Println("status:   migration required before writing")
		} else {
			fmt.Println("status:   current")
		}
		for _, le := range p.LoadErrors() {
			fmt.Printf("unreadable: %s\n", le.Error())
		}
		return nil
	},
}

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List every item in the project",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openReadOnly(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = p.Close() }()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tUUID\tVERSION\tMODIFIED")
		for _, it := range p.Items() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", it.Type, it.UUID, it.SchemaVersion, it.Modified.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Read every item and payload, reporting unreadable ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openReadOnly(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = p.Close() }()

		bad := 0
		for _, le := range p.LoadErrors() {
			fmt.Printf("unreadable: %s\n", le.Error())
			bad++
		}
		total := len(p.Items())
		fmt.Printf("%d items checked, %d unreadable\n", total, bad)
		if bad > 0 {
			return fmt.Errorf("%d unreadable items", bad)
		}
		return nil
	},
}
