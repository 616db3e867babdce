package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sowdb/sowdb/internal/config"
	"github.com/sowdb/sowdb/internal/registry"
	"github.com/sowdb/sowdb/internal/schema"
	"github.com/sowdb/sowdb/internal/store"
	"github.com/sowdb/sowdb/internal/trust"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := *configFrom(cmd)
			cfg.Trust.APIKeys = redactKeys(cfg.Trust.APIKeys)
			out, err := yaml.Marshal(&cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// redactKeys keeps key names and hides secrets.
func redactKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		name, _, ok := strings.Cut(k, ":")
		if !ok || name+":" == trust.BcryptPrefix {
			name = fmt.Sprintf("key%d", i+1)
		}
		out[i] = name + ":***"
	}
	return out
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key NAME KEY",
		Short: "Print a keyring entry holding the bcrypt hash of KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := trust.HashKey(args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", args[0], secret)
			return nil
		},
	}
}

func newTablesCmd() *cobra.Command {
	var columns bool
	cmd := &cobra.Command{
		Use:   "tables [STORE...]",
		Short: "List stores and their tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			stores, err := store.NewManager(store.Options{
				Dir:         cfg.Storage.Dir,
				BusyTimeout: cfg.Storage.BusyTimeout,
			})
			if err != nil {
				return err
			}
			defer stores.Close()

			names, err := stores.Stores()
			if err != nil {
				return err
			}
			names = filterStores(names, args)

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			if columns {
				t.AppendHeader(table.Row{"Store", "Table", "Column", "Type", "System"})
			} else {
				t.AppendHeader(table.Row{"Store", "Table", "Columns"})
			}

			for _, name := range names {
				h, err := stores.Read(cmd.Context(), name)
				if err != nil {
					return err
				}
				tables, err := schema.ListTables(cmd.Context(), h.Reader())
				if err != nil {
					return err
				}
				for _, tbl := range tables {
					cols, err := schema.Columns(cmd.Context(), h.Reader(), tbl)
					if err != nil {
						return err
					}
					if !columns {
						t.AppendRow(table.Row{name, tbl, len(cols)})
						continue
					}
					for _, c := range cols {
						t.AppendRow(table.Row{name, tbl, c.Name, c.Type, c.System})
					}
				}
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&columns, "columns", false, "list every column")
	return cmd
}

func filterStores[T fmt.Stringer](names []T, want []string) []T {
	if len(want) == 0 {
		return names
	}
	var out []T
	for _, n := range names {
		for _, w := range want {
			if strings.EqualFold(n.String(), w) {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func newRegistryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Show the most recent write attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			if !cfg.Registry.Enabled {
				return fmt.Errorf("the registry is disabled")
			}
			reg, err := registry.Open(cfg.Registry.Path, nil)
			if err != nil {
				return err
			}
			defer reg.Close()

			entries, err := reg.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			renderRegistry(cmd, cfg, entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries to show")
	return cmd
}

func renderRegistry(cmd *cobra.Command, cfg *config.Config, entries []registry.Entry) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.SetTitle(cfg.Registry.Path)
	t.AppendHeader(table.Row{"ID", "Recorded", "Request", "Store", "Table", "Outcome", "Principal", "Row", "Bytes", "ms"})
	for _, e := range entries {
		row := ""
		if e.RowID != nil {
			row = fmt.Sprint(*e.RowID)
		}
		t.AppendRow(table.Row{e.ID, e.RecordedAt, e.RequestID, e.Store, e.Table, e.Outcome, e.Principal, row, e.BodyBytes, e.DurationMS})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("%d shown", len(entries))})
	t.Render()
}
