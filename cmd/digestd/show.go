package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.io/infrasutra/digestd/internal/period"
	"github.io/infrasutra/digestd/internal/render"
	"github.io/infrasutra/digestd/internal/store"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one digest record and preview its pending mail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			record, err := st.Get(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no digest record for %q", args[0])
			}
			if err != nil {
				return err
			}
			renderer, err := render.New(cfg.ServiceName, cfg.ServerURL)
			if err != nil {
				return err
			}
			return writeRecordDetail(cmd.OutOrStdout(), record, renderer, period.Of(time.Now()))
		},
	}
}

// writeRecordDetail lists every bucket and previews the mail each bucket
// before current would produce on the next dispatch.
func writeRecordDetail(w io.Writer, record store.Record, renderer *render.Renderer, current period.Key) error {
	rows := [][]string{}
	for _, key := range record.Periods() {
		for i, msg := range record.Buckets[key] {
			rows = append(rows, []string{key.String(), fmt.Sprintf("%d", i+1), msg.Subject})
		}
	}
	fmt.Fprintf(w, "Recipient: %s\n", record.ID)
	fmt.Fprintln(w, renderTable(
		[]string{"Period", "#", "Subject"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft},
	))

	for _, key := range record.Periods() {
		if key == current {
			continue
		}
		preview, err := renderer.Render(key, record.Buckets[key])
		if err != nil {
			return fmt.Errorf("render %s: %w", key, err)
		}
		fmt.Fprintf(w, "\n=== %s ===\n%s\n", preview.Subject, preview.Body)
	}
	return nil
}
