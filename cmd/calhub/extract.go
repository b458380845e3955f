package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"calhub/internal/nlp"
)

func newExtractCmd() *cobra.Command {
	var (
		lang      string
		ref       string
		timezone  string
		stopwords []string
	)
	cmd := &cobra.Command{
		Use:   "extract <text>",
		Short: "Turn a sentence into an event, printing JSON",
		Example: `  calhub extract "Friday I work from 9 to 3"
  calhub extract --lang fr "Vendredi je travaille de 9h à 15h"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(timezone)
			if err != nil {
				return err
			}
			now := time.Now().In(loc)
			if ref != "" {
				if now, err = time.ParseInLocation(time.RFC3339, ref, loc); err != nil {
					return fmt.Errorf("--ref: %w", err)
				}
			}

			x := nlp.New(nlp.MatchLocale(lang), stopwords...)
			ev := x.Extract(strings.Join(args, " "), now)
			if ev == nil {
				return fmt.Errorf("no date or time recognized in %q", strings.Join(args, " "))
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ev)
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "en", "Language of the text (en, fr)")
	cmd.Flags().StringVar(&ref, "ref", "", "Reference time (RFC 3339); defaults to now")
	cmd.Flags().StringVar(&timezone, "timezone", "Local", "IANA zone the text is read in")
	cmd.Flags().StringSliceVar(&stopwords, "stopword", nil, "Extra word to drop from the title (repeatable)")
	return cmd
}
