package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"calhub/internal/gcal"
	appLog "calhub/internal/log"
)

func newGoogleAuthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "google-auth",
		Short: "Authorize read-only access to a Google Calendar account",
		Long: `google-auth prints the Google consent URL, reads the authorization code
from stdin and stores the resulting token in the configured token file or
keyring entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Google.Enabled() {
				return errors.New("google.credentials_file is not set")
			}
			conf, err := gcal.LoadOAuthConfig(cfg.Google.CredentialsFile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Open this URL and authorize access:\n\n  %s\n\nAuthorization code: ", gcal.AuthURL(conf, uuid.NewString()))

			code, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && code == "" {
				return fmt.Errorf("read authorization code: %w", err)
			}
			code = strings.TrimSpace(code)
			if code == "" {
				return errors.New("empty authorization code")
			}

			if err := gcal.Exchange(cmd.Context(), conf, code, tokenStore(cfg.Google)); err != nil {
				return err
			}
			appLog.Info("google token stored", "keyring", cfg.Google.KeyringUser != "")
			fmt.Fprintln(out, "Token stored.")
			return nil
		},
	}
}
