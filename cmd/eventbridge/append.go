package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge/config"
)

var appendEvent string

var appendCmd = &cobra.Command{
	Use:   "append [payload]",
	Short: "Append an event to the SQL event log",
	Long: `Append one event to the configured SQL event log. With no argument, or
with "-", every non-empty line of standard input is appended as its own event.

The payload is stored as given; nothing is validated, so malformed payloads
can be appended to exercise the skip path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Source.Kind != config.SourceSQLLog {
			return fmt.Errorf("append needs source.kind %q, got %q", config.SourceSQLLog, cfg.Source.Kind)
		}
		name := appendEvent
		if name == "" {
			name = cfg.EventName
		}

		log, err := openSQLLog(cfg)
		if err != nil {
			return err
		}
		defer log.Close()

		var payloads []string
		if len(args) == 1 && args[0] != "-" {
			payloads = []string{args[0]}
		} else {
			in := cmd.InOrStdin()
			if in == os.Stdin && !stdinIsPiped() {
				return fmt.Errorf("no payload given and stdin is a terminal")
			}
			payloads, err = readLines(in)
			if err != nil {
				return err
			}
		}

		for _, p := range payloads {
			id, err := log.Append(cmd.Context(), name, p)
			if err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "Appended %s #%d", name, id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(appendCmd)
	appendCmd.Flags().StringVarP(&appendEvent, "event", "e", "", "event name (default: event_name from config)")
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return lines, nil
}

// stdinIsPiped reports whether standard input has data to read.
func stdinIsPiped() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice == 0
}
