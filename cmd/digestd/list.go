package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.io/infrasutra/digestd/internal/store"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored digest records",
		Args:  cobra.NoArgs,
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

			records, err := st.GetAll(cmd.Context())
			if err != nil {
				return err
			}
			writeRecordTable(cmd.OutOrStdout(), records)
			return nil
		},
	}
}

func writeRecordTable(w io.Writer, records []store.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No digest records.")
		return
	}
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		periods := make([]string, 0, len(record.Buckets))
		for _, key := range record.Periods() {
			periods = append(periods, fmt.Sprintf("%s (%d)", key, len(record.Buckets[key])))
		}
		rows = append(rows, []string{
			record.ID,
			strings.Join(periods, ", "),
			strconv.Itoa(record.MessageCount()),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Recipient", "Periods", "Messages"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight},
	))
}
