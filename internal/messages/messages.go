// Package messages localizes user-visible error messages.
package messages

import (
	"embed"
	"encoding/json"
	"strings"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"

	appLog "calhub/internal/log"
)

// Message ids, one per active.*.json key.
const (
	AddFeedFailed       = "add_feed_failed"
	BadRequest          = "bad_request"
	Internal            = "internal"
	InvalidURL          = "invalid_url"
	NothingToCreate     = "nothing_to_create"
	ProviderUnavailable = "provider_unavailable"
	ProviderFailed      = "provider_failed"
	RemoveNotPermitted  = "remove_not_permitted"
	SourceNotFound      = "source_not_found"
	TransportFailed     = "transport_failed"
	UpstreamStatus      = "upstream_status"
)

// IDs lists every message id.
var IDs = []string{
	AddFeedFailed, BadRequest, Internal, InvalidURL, NothingToCreate,
	ProviderUnavailable, ProviderFailed, RemoveNotPermitted, SourceNotFound,
	TransportFailed, UpstreamStatus,
}

//go:embed locales/*.json
var localeFS embed.FS

// Catalog translates message ids for a language preference.
type Catalog struct {
	bundle   *i18n.Bundle
	fallback string
	langs    []string
}

// NewCatalog loads the embedded locales. fallback is the language used when
// the request expresses no usable preference.
func NewCatalog(fallback string) *Catalog {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	c := &Catalog{bundle: bundle, fallback: fallback}

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		appLog.Error("locales not accessible", err)
		return c
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "active.") || !strings.HasSuffix(name, ".json") {
			continue
		}
		lang := strings.TrimSuffix(strings.TrimPrefix(name, "active."), ".json")
		if _, err := bundle.LoadMessageFileFS(localeFS, "locales/"+name); err != nil {
			appLog.Error("locale load failed", err, "file", name)
			continue
		}
		c.langs = append(c.langs, lang)
	}
	return c
}

// Languages returns the loaded language codes.
func (c *Catalog) Languages() []string {
	return append([]string(nil), c.langs...)
}

// Localize renders id for the given preferences (BCP 47 tags or raw
// Accept-Language values). Unknown ids come back unchanged.
func (c *Catalog) Localize(id string, data map[string]any, prefs ...string) string {
	langs := make([]string, 0, len(prefs)+1)
	for _, p := range prefs {
		if strings.TrimSpace(p) != "" {
			langs = append(langs, p)
		}
	}
	langs = append(langs, c.fallback)

	loc := i18n.NewLocalizer(c.bundle, langs...)
	msg, err := loc.Localize(&i18n.LocalizeConfig{MessageID: id, TemplateData: data})
	if err != nil {
		appLog.Debug("translation missing", "key", id, "error", err.Error())
		return id
	}
	return msg
}
