package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge/deadletter"
)

var (
	dlEvent  string
	dlLimit  int
	dlOutput string
)

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dl"},
	Short:   "Inspect skipped payloads",
	Long:    `Inspect and prune payloads the bridge skipped while dead_letter.enabled was set.`,
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List skipped payloads, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openDeadLetters()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.List(cmd.Context(), dlEvent, dlLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch dlOutput {
		case formatJSON:
			return printJSON(out, entries)
		case formatYAML:
			return printYAML(out, entries)
		case formatTable:
		default:
			return fmt.Errorf("unknown output format %q", dlOutput)
		}

		if len(entries) == 0 {
			fmt.Fprintln(out, "No dead letters")
			return nil
		}
		t := newTable("ID", "EVENT", "SEQ", "REASON", "FIELD", "HITS", "LAST SEEN", "PAYLOAD")
		for _, e := range entries {
			t.addRow(
				e.ID,
				e.EventName,
				strconv.FormatUint(e.Sequence, 10),
				e.Reason,
				e.Field,
				strconv.Itoa(e.Hits),
				e.LastSeenAt.Local().Format(time.DateTime),
				truncate(e.Payload, 40),
			)
		}
		t.render(out)
		return nil
	},
}

var deadLetterShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one skipped payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDeadLetters()
		if err != nil {
			return err
		}
		defer store.Close()

		e, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if dlOutput == formatYAML {
			return printYAML(cmd.OutOrStdout(), e)
		}
		return printJSON(cmd.OutOrStdout(), e)
	},
}

var deadLetterCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count skipped payloads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openDeadLetters()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Count(cmd.Context(), dlEvent)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

var deadLetterDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete skipped payloads",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDeadLetters()
		if err != nil {
			return err
		}
		defer store.Close()

		var errs []error
		for _, id := range args {
			if err := store.Delete(cmd.Context(), id); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			printSuccess(cmd.OutOrStdout(), "Deleted %s", id)
		}
		return errors.Join(errs...)
	},
}

func init() {
	rootCmd.AddCommand(deadLetterCmd)
	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterShowCmd, deadLetterCountCmd, deadLetterDeleteCmd)

	deadLetterCmd.PersistentFlags().StringVarP(&dlEvent, "event", "e", "", "only entries for this event name")
	deadLetterCmd.PersistentFlags().StringVarP(&dlOutput, "output", "o", formatTable, "output format (table, json, yaml)")
	deadLetterListCmd.Flags().IntVarP(&dlLimit, "limit", "n", 50, "maximum entries to list (0 for all)")
}

// openDeadLetters opens the configured store. The store is opened even when
// dead_letter.enabled is false so old entries stay inspectable.
func openDeadLetters() (*deadletter.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return deadletter.NewSQLiteStore(cfg.DeadLetter.Path)
}
