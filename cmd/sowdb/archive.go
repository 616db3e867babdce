package main

import (
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sowdb/sowdb/internal/app"
	"github.com/sowdb/sowdb/internal/archive"
)

type archivedBody struct {
	Key   string          `json:"key"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

func newArchiveCmd() *cobra.Command {
	var (
		bodies      bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "archive STORE [TABLE]",
		Short: "List archived request bodies, or print them as JSON lines",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			if !cfg.Archive.Enabled {
				return fmt.Errorf("the archive is disabled")
			}
			objects, err := archive.Open(cmd.Context(), app.BackendFor(cfg.Archive))
			if err != nil {
				return err
			}
			a := archive.New(objects, nil)

			tbl := ""
			if len(args) == 2 {
				tbl = args[1]
			}
			keys, err := a.List(cmd.Context(), args[0], tbl)
			if err != nil {
				return err
			}

			if !bodies {
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetStyle(table.StyleLight)
				t.AppendHeader(table.Row{"Key"})
				for _, k := range keys {
					t.AppendRow(table.Row{k})
				}
				t.AppendFooter(table.Row{fmt.Sprintf("%d objects", len(keys))})
				t.Render()
				return nil
			}

			res, err := a.Fetch(cmd.Context(), keys, concurrency)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, k := range keys {
				line := archivedBody{Key: k}
				if ferr, failed := res.Errors[k]; failed {
					line.Error = ferr.Error()
				} else if body := res.Bodies[k]; json.Valid(body) {
					line.Body = body
				} else {
					line.Error = "archived body is not valid JSON"
				}
				if err := enc.Encode(line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&bodies, "bodies", false, "print every body as a JSON line")
	cmd.Flags().IntVar(&concurrency, "concurrency", archive.DefaultConcurrency, "parallel reads")
	return cmd
}
