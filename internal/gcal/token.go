package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	appLog "calhub/internal/log"
)

// KeyringService is the keyring service name tokens are stored under.
const KeyringService = "calhub-google"

// ErrNoToken is returned when no OAuth token has been stored yet.
var ErrNoToken = errors.New("no google oauth token stored")

// TokenStore persists an OAuth token.
type TokenStore interface {
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, tok *oauth2.Token) error
}

// FileTokenStore keeps the token as JSON in a 0600 file.
type FileTokenStore struct {
	Path string
}

func (s FileTokenStore) Load(context.Context) (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	return &tok, nil
}

func (s FileTokenStore) Save(_ context.Context, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.Path, data, 0o600)
}

// KeyringTokenStore keeps the token in the OS keyring.
type KeyringTokenStore struct {
	User string
}

func (s KeyringTokenStore) Load(context.Context) (*oauth2.Token, error) {
	secret, err := keyring.Get(KeyringService, s.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(secret), &tok); err != nil {
		return nil, fmt.Errorf("decode keyring token: %w", err)
	}
	return &tok, nil
}

func (s KeyringTokenStore) Save(_ context.Context, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return keyring.Set(KeyringService, s.User, string(data))
}

// LoadOAuthConfig reads a client credentials JSON file downloaded from the
// Google console, scoped to read-only calendar access.
func LoadOAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	conf, err := google.ConfigFromJSON(data, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}
	return conf, nil
}

// NewFromTokenStore builds a Client authenticated with the stored token.
// Refreshed tokens are written back to the store.
func NewFromTokenStore(ctx context.Context, conf *oauth2.Config, store TokenStore, maxResults int64) (*Client, error) {
	tok, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	ts := &savingTokenSource{
		base:  conf.TokenSource(ctx, tok),
		store: store,
		last:  tok.AccessToken,
	}
	httpClient := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, ts))
	return New(ctx, maxResults, option.WithHTTPClient(httpClient))
}

type savingTokenSource struct {
	base  oauth2.TokenSource
	store TokenStore

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.store.Save(context.Background(), tok); err != nil {
			appLog.Error("google token save failed", err)
		}
	}
	return tok, nil
}

// AuthURL returns the consent page URL. Offline access is requested so the
// stored token carries a refresh token.
func AuthURL(conf *oauth2.Config, state string) string {
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a token and stores it.
func Exchange(ctx context.Context, conf *oauth2.Config, code string, store TokenStore) error {
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange auth code: %w", err)
	}
	return store.Save(ctx, tok)
}
