package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"calhub/internal/ics"
	"calhub/internal/model"
	"calhub/internal/normalize"
	"calhub/internal/store"
)

type parseOutput struct {
	CalendarName string        `json:"calendarName"`
	Events       []model.Event `json:"events"`
}

func newParseCmd() *cobra.Command {
	var (
		timezone string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "parse <file|url>",
		Short: "Parse and normalize an iCalendar document, printing JSON",
		Long: `Parse reads an iCalendar document from a file or an http(s)/webcal URL and
prints the calendar name and normalized events. A document that cannot be
parsed prints the "parsing failed" calendar name and no events.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(timezone)
			if err != nil {
				return err
			}

			body, err := readDocument(cmd, args[0], timeout)
			if err != nil {
				return err
			}

			res := ics.Parser{Location: loc}.Parse(string(body))
			norm := normalize.Normalizer{Location: loc}
			in := make([]normalize.Input, 0, len(res.Events))
			for _, ev := range res.Events {
				in = append(in, normalize.FromDocument{Event: ev})
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(parseOutput{CalendarName: res.CalendarName, Events: norm.NormalizeAll("", in)})
		},
	}
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA zone for floating and date-only values")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Download timeout for URLs")
	return cmd
}

func readDocument(cmd *cobra.Command, arg string, timeout time.Duration) ([]byte, error) {
	if !strings.Contains(arg, "://") {
		return os.ReadFile(arg)
	}
	u, err := ics.NormalizeURL(arg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", arg, err)
	}
	f := ics.NewFetcher(store.NewMemory(), ics.FetcherOptions{Timeout: timeout})
	res, err := f.Fetch(cmd.Context(), u)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}
