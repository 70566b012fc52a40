package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
)

func newAuditCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent webhook deliveries from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rec, err := openRecorder(cfg.Audit)
			if err != nil {
				return err
			}
			rows, err := rec.Recent(context.Background(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No deliveries recorded.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTYPE\tCONVERSATION\tSESSION\tMETHOD\tRECEIVED")
			for _, r := range rows {
				sessionID := r.SessionID
				if sessionID == "" {
					sessionID = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					r.Seq, r.Type, r.CallID, sessionID, r.Method,
					r.ReceivedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of deliveries to show")
	return cmd
}
