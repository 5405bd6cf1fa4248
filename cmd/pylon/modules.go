package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/manifest"
)

func modulesCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List discovered modules in load order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root == "" {
				cfg := config.DefaultConfig()
				config.LoadFromEnv(cfg)
				root = cfg.Modules.Root
			}

			reg, err := manifest.Load(root)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tENTRY\tDEPENDS ON")
			for _, name := range reg.Sorted() {
				m, _ := reg.Get(name)
				deps := "-"
				if len(m.Dependencies) > 0 {
					deps = fmt.Sprintf("%v", m.Dependencies)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, m.Version, m.Entry(), deps)
			}
			w.Flush()

			for _, name := range reg.Skipped() {
				fmt.Fprintf(os.Stderr, "skipped: %s (unresolved dependencies)\n", name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Modules directory (default from config)")
	return cmd
}
