package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/shardxa"
	"pkt.systems/shardxa/internal/commit"
	"pkt.systems/shardxa/internal/xa"
	"pkt.systems/shardxa/internal/xalog"
)

func newLogCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "log",
		Aliases: []string{"xalog"},
		Short:   "Inspect the recovery log",
	}
	cmd.AddCommand(newLogListCommand(logger))
	cmd.AddCommand(newLogShowCommand(logger))
	cmd.AddCommand(newLogPurgeCommand(logger))
	return cmd
}

// withRecoveryLog opens the configured store for the duration of fn.
func withRecoveryLog(logger pslog.Logger, fn func(*xalog.Log) error) error {
	if _, err := loadConfigFile(); err != nil {
		return err
	}
	logger = applyLogLevel(logger)
	var cfg shardxa.Config
	bindStoreConfig(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := shardxa.OpenStore(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	xl, err := xalog.New(xalog.Config{Store: store, Logger: logger, Prefix: cfg.LogPrefix})
	if err != nil {
		return err
	}
	return fn(xl)
}

func newLogListCommand(logger pslog.Logger) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List in-flight transactions and what recovery would do with them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return withRecoveryLog(logger, func(xl *xalog.Log) error {
				entries, err := xl.List(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				return writeLogTable(cmd.OutOrStdout(), entries, time.Now())
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func newLogShowCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "show XID",
		Short: "Print one recovery record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return withRecoveryLog(logger, func(xl *xalog.Log) error {
				entry, err := xl.Load(cmd.Context(), quoteXID(args[0]))
				if err != nil {
					if errors.Is(err, xalog.ErrUnknownXID) {
						return fmt.Errorf("no recovery record for %s", args[0])
					}
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entry)
			})
		},
	}
}

func newLogPurgeCommand(logger pslog.Logger) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "purge XID",
		Short: "Delete a recovery record after the branches were resolved by hand",
		Long: "Delete a recovery record. Recovery will no longer commit or roll back the\n" +
			"transaction, so only purge records whose branches were resolved manually\n" +
			"with XA COMMIT or XA ROLLBACK on every data node.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if !force {
				return fmt.Errorf("refusing to purge %s without --force", args[0])
			}
			xid := quoteXID(args[0])
			return withRecoveryLog(logger, func(xl *xalog.Log) error {
				if _, err := xl.Load(cmd.Context(), xid); err != nil {
					if errors.Is(err, xalog.ErrUnknownXID) {
						return fmt.Errorf("no recovery record for %s", args[0])
					}
					return err
				}
				if err := xl.Delete(cmd.Context(), xid); err != nil {
					return err
				}
				logger.Warn("xa.log.purged", "xid", xid)
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", xid)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the deletion")
	return cmd
}

func quoteXID(raw string) string {
	return "'" + xa.Unquote(raw) + "'"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeLogTable(w io.Writer, entries []*xa.CoordinatorLogEntry, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "XID\tSTATE\tRECOVERY\tPARTICIPANTS\tUPDATED")
	for _, e := range entries {
		parts := make([]string, 0, len(e.Participants))
		for _, p := range e.Participants {
			parts = append(parts, p.Target.String()+"="+string(p.Status))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.XID, e.State, commit.Decide(e), strings.Join(parts, ","), formatAge(now, e.UpdatedAtUnix))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s in-flight transactions\n", humanize.Comma(int64(len(entries))))
	return err
}

func formatAge(now time.Time, unix int64) string {
	if unix <= 0 {
		return "-"
	}
	return humanize.RelTime(time.Unix(unix, 0), now, "ago", "from now")
}
