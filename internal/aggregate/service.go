// Package aggregate keeps the merged event set of all registered sources
// and orchestrates fetching, parsing and normalizing them.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"

	"calhub/internal/ics"
	appLog "calhub/internal/log"
	"calhub/internal/metrics"
	"calhub/internal/model"
	"calhub/internal/nlp"
	"calhub/internal/normalize"
	"calhub/internal/provider"
	"calhub/internal/registry"
	"calhub/internal/view"
)

// LocalSourceID tags quick-entry events in the merged view.
const LocalSourceID = string(model.KindLocal)

var (
	// ErrUnparseable rejects a feed whose document is not a readable calendar.
	ErrUnparseable = errors.New("document is not a readable calendar")
	// ErrNoProvider is returned when no remote account is configured.
	ErrNoProvider = errors.New("no remote calendar provider configured")
	// ErrNothingToCreate is returned by QuickAdd when the text holds no date.
	ErrNothingToCreate = errors.New("no date or time recognized")
)

// DocumentFetcher retrieves a feed document. *ics.Fetcher implements it.
type DocumentFetcher interface {
	Fetch(ctx context.Context, url string) (ics.FetchResult, error)
}

// Options tune a Service. Zero values pick defaults.
type Options struct {
	Location *time.Location
	// Lang drives collation and the default quick-entry locale.
	Lang language.Tag
	// ExcludeCalendars are name substrings of provider calendars skipped on import.
	ExcludeCalendars []string
	// SearchGroups makes the group part of the searched text.
	SearchGroups bool
	// Normalizer overrides the default normalizer (custom delimiters).
	Normalizer *normalize.Normalizer
	// ExtraStopwords extend every locale's stopword list.
	ExtraStopwords []string
	Now            func() time.Time
}

// Outcome describes one source refresh.
type Outcome struct {
	SourceID    string `json:"sourceId"`
	Events      int    `json:"events"`
	ParseFailed bool   `json:"parseFailed,omitempty"`
	// Stale is set when a newer refresh already resolved, or the source was
	// removed meanwhile, and this result was discarded.
	Stale bool `json:"stale,omitempty"`
}

// Service is the aggregation engine.
type Service struct {
	reg      *registry.Registry
	fetcher  DocumentFetcher
	provider provider.Provider
	metrics  *metrics.Metrics

	parser     ics.Parser
	norm       normalize.Normalizer
	extractors map[language.Tag]*nlp.Extractor
	opts       Options

	mu      sync.Mutex
	events  map[string][]model.Event
	local   []model.Event
	issued  map[string]uint64
	applied map[string]uint64
}

// New wires a Service. p and m may be nil.
func New(reg *registry.Registry, f DocumentFetcher, p provider.Provider, m *metrics.Metrics, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Lang == language.Und {
		opts.Lang = language.English
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	norm := normalize.Normalizer{Location: opts.Location}
	if opts.Normalizer != nil {
		norm = *opts.Normalizer
		if norm.Location == nil {
			norm.Location = opts.Location
		}
	}

	extractors := make(map[language.Tag]*nlp.Extractor)
	for _, loc := range []nlp.Locale{nlp.English, nlp.French} {
		extractors[loc.Tag] = nlp.New(loc, opts.ExtraStopwords...)
	}

	return &Service{
		reg:        reg,
		fetcher:    f,
		provider:   p,
		metrics:    m,
		parser:     ics.Parser{Location: opts.Location},
		norm:       norm,
		extractors: extractors,
		opts:       opts,
		events:     make(map[string][]model.Event),
		issued:     make(map[string]uint64),
		applied:    make(map[string]uint64),
	}
}

// Init loads the registry and the last snapshot of every source.
func (s *Service) Init(ctx context.Context) error {
	if err := s.reg.Init(ctx); err != nil {
		return err
	}
	sources := s.reg.List()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range sources {
		if evs, ok := s.reg.Snapshot(ctx, src.ID); ok {
			s.events[src.ID] = evs
			s.metrics.SetEvents(src.ID, len(evs))
		}
	}
	s.metrics.SetSources(len(sources))
	return nil
}

// HasProvider reports whether a remote account is configured.
func (s *Service) HasProvider() bool {
	return s.provider != nil
}

// Sources lists the registered sources.
func (s *Service) Sources() []model.CalendarSource {
	return s.reg.List()
}

// FetchDocument downloads and parses a feed without registering it. A parse
// failure is not an error: the result carries the sentinel name.
func (s *Service) FetchDocument(ctx context.Context, rawURL string) (ics.Result, error) {
	u, err := ics.NormalizeURL(rawURL)
	if err != nil {
		return ics.Result{}, err
	}

	began := time.Now()
	fr, err := s.fetcher.Fetch(ctx, u)
	if err != nil {
		s.metrics.ObserveFetch("document", fetchErrResult(err), time.Since(began))
		return ics.Result{}, err
	}
	res := s.parser.Parse(string(fr.Body))
	s.metrics.ObserveFetch("document", parseResult(res, fr), time.Since(began))
	return res, nil
}

// Document is a feed read on demand without registering it.
type Document struct {
	CalendarName string        `json:"calendarName"`
	Events       []model.Event `json:"events"`
}

// ReadDocument is FetchDocument followed by normalization.
func (s *Service) ReadDocument(ctx context.Context, rawURL string) (Document, error) {
	res, err := s.FetchDocument(ctx, rawURL)
	if err != nil {
		return Document{}, err
	}
	return Document{CalendarName: res.CalendarName, Events: s.fromDocument("", res)}, nil
}

// AddFeed validates a feed by fetching it, then registers it under name,
// or under the document's calendar name when name is empty.
func (s *Service) AddFeed(ctx context.Context, rawURL, name string) (model.CalendarSource, error) {
	u, err := ics.NormalizeURL(rawURL)
	if err != nil {
		return model.CalendarSource{}, err
	}
	res, err := s.FetchDocument(ctx, u)
	if err != nil {
		return model.CalendarSource{}, err
	}
	if res.Failed() {
		return model.CalendarSource{}, ErrUnparseable
	}

	if strings.TrimSpace(name) == "" {
		name = res.CalendarName
	}
	src, err := s.reg.Add(ctx, model.CalendarSource{Kind: model.KindFeed, DisplayName: name, URL: u})
	if err != nil {
		return model.CalendarSource{}, err
	}
	s.metrics.SetSources(len(s.reg.List()))

	token := s.issue(src.ID)
	s.apply(ctx, src.ID, token, s.fromDocument(src.ID, res))
	appLog.Info("feed added", "id", src.ID, "name", src.DisplayName, "url", ics.RedactURL(u), "events", len(res.Events))
	return src, nil
}

// ImportProvider registers every calendar of the remote account except the
// excluded ones, then loads their events. Already registered calendars are
// kept as they are. Per-calendar load failures are joined into the error;
// the returned sources are registered regardless.
func (s *Service) ImportProvider(ctx context.Context) ([]model.CalendarSource, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}
	cals, err := s.provider.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}
	cals = provider.ExcludeByName(cals, s.opts.ExcludeCalendars)

	out := make([]model.CalendarSource, 0, len(cals))
	var errs []error
	for _, c := range cals {
		src, err := s.reg.Add(ctx, model.CalendarSource{ID: c.ID, DisplayName: c.DisplayName, Kind: model.KindRemoteProvider})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.ID, err))
			continue
		}
		out = append(out, src)
		if _, err := s.Refresh(ctx, src.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.ID, err))
		}
	}
	s.metrics.SetSources(len(s.reg.List()))
	return out, errors.Join(errs...)
}

// Remove unregisters a feed source and drops its events. Any fetch still in
// flight for it is discarded on completion.
func (s *Service) Remove(ctx context.Context, id string) error {
	// Held across the registry removal so apply cannot save a snapshot
	// after it was deleted.
	s.mu.Lock()
	if err := s.reg.Remove(ctx, id); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.events, id)
	delete(s.issued, id)
	delete(s.applied, id)
	s.mu.Unlock()

	s.metrics.ForgetSource(id)
	s.metrics.SetSources(len(s.reg.List()))
	appLog.Info("source removed", "id", id)
	return nil
}

// Refresh re-fetches one source. Transport failures return an error and
// leave the source's previous events in place; so does a parse failure,
// which is reported in the Outcome instead.
func (s *Service) Refresh(ctx context.Context, id string) (Outcome, error) {
	src, ok := s.reg.Get(id)
	if !ok {
		return Outcome{}, registry.ErrNotFound
	}
	token := s.issue(id)

	began := time.Now()
	events, parseFailed, err := s.load(ctx, src)
	kind := string(src.Kind)
	switch {
	case err != nil:
		s.metrics.ObserveFetch(kind, fetchErrResult(err), time.Since(began))
		appLog.Error("source refresh failed", err, "id", id, "kind", kind)
		return Outcome{SourceID: id}, err
	case parseFailed:
		s.metrics.ObserveFetch(kind, metrics.ResultParseFailed, time.Since(began))
		appLog.Info("source document unparseable; keeping previous events", "id", id)
		return Outcome{SourceID: id, ParseFailed: true}, nil
	}

	if !s.apply(ctx, id, token, events) {
		s.metrics.ObserveFetch(kind, metrics.ResultStale, time.Since(began))
		return Outcome{SourceID: id, Stale: true}, nil
	}
	s.metrics.ObserveFetch(kind, metrics.ResultOK, time.Since(began))
	return Outcome{SourceID: id, Events: len(events)}, nil
}

// RefreshAll refreshes every source in registry order. One source failing
// does not stop the others; failures are joined.
func (s *Service) RefreshAll(ctx context.Context) ([]Outcome, error) {
	sources := s.reg.List()
	out := make([]Outcome, 0, len(sources))
	var errs []error
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		o, err := s.Refresh(ctx, src.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.ID, err))
		}
		out = append(out, o)
	}
	s.metrics.RefreshDone()
	return out, errors.Join(errs...)
}

func (s *Service) load(ctx context.Context, src model.CalendarSource) ([]model.Event, bool, error) {
	switch src.Kind {
	case model.KindFeed:
		fr, err := s.fetcher.Fetch(ctx, src.URL)
		if err != nil {
			return nil, false, err
		}
		res := s.parser.Parse(string(fr.Body))
		if res.Failed() {
			return nil, true, nil
		}
		return s.fromDocument(src.ID, res), false, nil

	case model.KindRemoteProvider:
		if s.provider == nil {
			return nil, false, ErrNoProvider
		}
		pevs, err := s.provider.ListEvents(ctx, src.ID)
		if err != nil {
			return nil, false, err
		}
		in := make([]normalize.Input, 0, len(pevs))
		for _, pe := range pevs {
			in = append(in, normalize.FromProvider{Event: pe})
		}
		return s.norm.NormalizeAll(src.ID, in), false, nil

	default:
		return nil, false, fmt.Errorf("unsupported source kind %q", src.Kind)
	}
}

func (s *Service) fromDocument(id string, res ics.Result) []model.Event {
	in := make([]normalize.Input, 0, len(res.Events))
	for _, pe := range res.Events {
		in = append(in, normalize.FromDocument{Event: pe})
	}
	return s.norm.NormalizeAll(id, in)
}

// issue hands out the next request token of a source.
func (s *Service) issue(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued[id]++
	return s.issued[id]
}

// apply stores events for id unless a newer result was already applied or
// the source is gone. It reports whether the events were stored.
func (s *Service) apply(ctx context.Context, id string, token uint64, events []model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reg.Get(id); !ok {
		appLog.Debug("discarding result of removed source", "id", id)
		return false
	}
	if token <= s.applied[id] {
		appLog.Debug("discarding stale result", "id", id, "token", token, "applied", s.applied[id])
		return false
	}
	s.applied[id] = token
	s.events[id] = events
	s.metrics.SetEvents(id, len(events))

	if err := s.reg.SaveSnapshot(ctx, id, events); err != nil {
		appLog.Error("snapshot save failed", err, "id", id)
	}
	return true
}

// Events returns the merged set: sources in registry order, then local
// quick-entry events in creation order.
func (s *Service) Events() []model.Event {
	sources := s.reg.List()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, 0)
	for _, src := range sources {
		out = append(out, s.events[src.ID]...)
	}
	return append(out, s.local...)
}

// View renders the merged set.
func (s *Service) View(q view.Query) view.Result {
	if q.Lang == language.Und {
		q.Lang = s.opts.Lang
	}
	if s.opts.SearchGroups {
		q.IncludeGroup = true
	}
	if q.Anchor.IsZero() {
		q.Anchor = s.opts.Now().In(s.opts.Location)
	}
	return view.Apply(s.Events(), q)
}

// Preview extracts an event from text without storing it. lang is a BCP 47
// tag or Accept-Language value; empty uses the service language.
func (s *Service) Preview(text, lang string) *model.Event {
	ev := s.extractor(lang).Extract(text, s.opts.Now().In(s.opts.Location))
	s.metrics.ObserveQuickEntry(ev != nil)
	if ev == nil {
		return nil
	}
	ev.SourceID = LocalSourceID
	ev.Group = s.norm.DeriveGroup(ev.Summary)
	return ev
}

// QuickAdd extracts an event from text and appends it to the merged view.
// Quick-entry events are never written back to a source.
func (s *Service) QuickAdd(text, lang string) (model.Event, error) {
	ev := s.Preview(text, lang)
	if ev == nil {
		return model.Event{}, ErrNothingToCreate
	}
	s.mu.Lock()
	s.local = append(s.local, *ev)
	s.mu.Unlock()
	appLog.Info("quick entry created", "uid", ev.UID, "start", ev.Start)
	return *ev, nil
}

func (s *Service) extractor(lang string) *nlp.Extractor {
	tag := s.opts.Lang
	if strings.TrimSpace(lang) != "" {
		tag = nlp.MatchLocale(lang).Tag
	}
	if x, ok := s.extractors[tag]; ok {
		return x
	}
	if x, ok := s.extractors[nlp.MatchLocale(tag.String()).Tag]; ok {
		return x
	}
	return s.extractors[language.English]
}

// Export serializes the merged view as an iCalendar document.
func (s *Service) Export(name string, q view.Query) string {
	if name == "" {
		name = "calhub"
	}
	return ics.Export(name, s.View(q).Events, s.opts.Now())
}

func fetchErrResult(err error) string {
	var se *ics.StatusError
	if errors.As(err, &se) {
		return metrics.ResultUpstream
	}
	return metrics.ResultTransport
}

func parseResult(res ics.Result, fr ics.FetchResult) string {
	switch {
	case res.Failed():
		return metrics.ResultParseFailed
	case fr.FromCache:
		return metrics.ResultNotModified
	default:
		return metrics.ResultOK
	}
}
