package aggregate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calhub/internal/ics"
	"calhub/internal/metrics"
	"calhub/internal/model"
	"calhub/internal/provider"
	"calhub/internal/registry"
	"calhub/internal/store"
	"calhub/internal/view"
)

// Wednesday 2025-03-05 10:30 UTC.
var now = time.Date(2025, 3, 5, 10, 30, 0, 0, time.UTC)

func calendarDoc(name string, summaries ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\n")
	if name != "" {
		fmt.Fprintf(&b, "X-WR-CALNAME:%s\r\n", name)
	}
	for i, s := range summaries {
		start := now.Add(time.Duration(i+1) * time.Hour).Format("20060102T150405Z")
		fmt.Fprintf(&b, "BEGIN:VEVENT\r\nUID:%s-%d\r\nSUMMARY:%s\r\nDTSTART:%s\r\nEND:VEVENT\r\n", name, i, s, start)
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

// mapFetcher serves fixed documents or errors per URL.
type mapFetcher struct {
	mu   sync.Mutex
	docs map[string]string
	errs map[string]error
}

func newMapFetcher() *mapFetcher {
	return &mapFetcher{docs: map[string]string{}, errs: map[string]error{}}
}

func (f *mapFetcher) set(url, doc string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[url], f.errs[url] = doc, err
}

func (f *mapFetcher) Fetch(_ context.Context, url string) (ics.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[url]; err != nil {
		return ics.FetchResult{}, err
	}
	doc, ok := f.docs[url]
	if !ok {
		return ics.FetchResult{}, &ics.StatusError{Code: http.StatusNotFound, Status: "404 Not Found"}
	}
	return ics.FetchResult{URL: url, Body: []byte(doc)}, nil
}

func newService(t *testing.T, f DocumentFetcher, p provider.Provider) (*Service, store.KV, *metrics.Metrics) {
	t.Helper()
	kv := store.NewMemory()
	m := metrics.New()
	s := New(registry.New(kv), f, p, m, Options{
		Location:         time.UTC,
		ExcludeCalendars: []string{"Holidays", "Week Numbers"},
		Now:              func() time.Time { return now },
	})
	require.NoError(t, s.Init(context.Background()))
	return s, kv, m
}

func summaries(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Summary)
	}
	return out
}

func TestAddFeedUsesDocumentName(t *testing.T) {
	f := newMapFetcher()
	f.set("https://example.com/team.ics", calendarDoc("Team", "Standup", ""), nil)
	s, _, m := newService(t, f, nil)

	src, err := s.AddFeed(context.Background(), "webcal://example.com/team.ics", "")
	require.NoError(t, err)

	assert.Equal(t, "Team", src.DisplayName)
	assert.Equal(t, model.KindFeed, src.Kind)
	assert.Equal(t, "https://example.com/team.ics", src.URL)

	evs := s.Events()
	assert.Equal(t, []string{"Standup", "untitled event"}, summaries(evs))
	for _, e := range evs {
		assert.Equal(t, src.ID, e.SourceID)
		assert.Equal(t, time.Hour, e.Duration())
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MergedEvents.WithLabelValues(src.ID)))
}

func TestAddFeedRejections(t *testing.T) {
	f := newMapFetcher()
	f.set("https://example.com/bad.ics", "this is not a calendar", nil)
	s, _, _ := newService(t, f, nil)
	ctx := context.Background()

	_, err := s.AddFeed(ctx, "", "")
	assert.ErrorIs(t, err, ics.ErrInvalidURL)

	_, err = s.AddFeed(ctx, "https://example.com/bad.ics", "")
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = s.AddFeed(ctx, "https://example.com/missing.ics", "")
	var se *ics.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)

	assert.Empty(t, s.Sources())
}

func TestFetchDocumentReportsParseFailureAsSentinel(t *testing.T) {
	f := newMapFetcher()
	f.set("https://example.com/bad.ics", "garbage", nil)
	s, _, m := newService(t, f, nil)

	res, err := s.FetchDocument(context.Background(), "https%3A%2F%2Fexample.com%2Fbad.ics")
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Empty(t, res.Events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues("document", metrics.ResultParseFailed)))

	doc, err := s.ReadDocument(context.Background(), "https://example.com/bad.ics")
	require.NoError(t, err)
	assert.Equal(t, ics.SentinelParseFailed, doc.CalendarName)
	assert.NotNil(t, doc.Events)
	assert.Empty(t, doc.Events)
}

func TestRefreshFailuresKeepPriorEvents(t *testing.T) {
	f := newMapFetcher()
	const url = "https://example.com/team.ics"
	f.set(url, calendarDoc("Team", "Standup"), nil)
	s, _, _ := newService(t, f, nil)
	ctx := context.Background()

	src, err := s.AddFeed(ctx, url, "")
	require.NoError(t, err)

	f.set(url, "", &ics.StatusError{Code: http.StatusBadGateway, Status: "502 Bad Gateway"})
	_, err = s.Refresh(ctx, src.ID)
	require.Error(t, err)
	assert.Equal(t, []string{"Standup"}, summaries(s.Events()))

	f.set(url, "", errors.New("connection reset"))
	_, err = s.Refresh(ctx, src.ID)
	require.Error(t, err)
	assert.Equal(t, []string{"Standup"}, summaries(s.Events()))

	f.set(url, "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nSUMMARY:broken\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n", nil)
	out, err := s.Refresh(ctx, src.ID)
	require.NoError(t, err)
	assert.True(t, out.ParseFailed)
	assert.Equal(t, []string{"Standup"}, summaries(s.Events()))

	f.set(url, calendarDoc("Team", "Retro", "Planning"), nil)
	out, err = s.Refresh(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Events)
	assert.Equal(t, []string{"Retro", "Planning"}, summaries(s.Events()))

	_, err = s.Refresh(ctx, "unknown")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

// gatedFetcher blocks every call until its gate is released.
type gatedFetcher struct {
	mu      sync.Mutex
	bodies  []string
	gates   []chan struct{}
	n       int
	started chan int
}

func (g *gatedFetcher) Fetch(ctx context.Context, url string) (ics.FetchResult, error) {
	g.mu.Lock()
	i := g.n
	g.n++
	body, gate := g.bodies[i], g.gates[i]
	g.mu.Unlock()

	g.started <- i
	select {
	case <-gate:
	case <-ctx.Done():
		return ics.FetchResult{}, ctx.Err()
	}
	return ics.FetchResult{URL: url, Body: []byte(body)}, nil
}

func newGatedFetcher(bodies ...string) *gatedFetcher {
	g := &gatedFetcher{bodies: bodies, started: make(chan int, len(bodies))}
	for range bodies {
		g.gates = append(g.gates, make(chan struct{}))
	}
	return g
}

func TestOlderFetchNeverOverwritesNewerResult(t *testing.T) {
	g := newGatedFetcher(calendarDoc("Team", "initial"), calendarDoc("Team", "older"), calendarDoc("Team", "newer"))
	close(g.gates[0])
	s, _, _ := newService(t, g, nil)
	ctx := context.Background()

	src, err := s.AddFeed(ctx, "https://example.com/team.ics", "")
	require.NoError(t, err)
	<-g.started

	type res struct {
		out Outcome
		err error
	}
	older, newer := make(chan res, 1), make(chan res, 1)

	go func() { o, err := s.Refresh(ctx, src.ID); older <- res{o, err} }()
	require.Equal(t, 1, <-g.started)
	go func() { o, err := s.Refresh(ctx, src.ID); newer <- res{o, err} }()
	require.Equal(t, 2, <-g.started)

	close(g.gates[2])
	n := <-newer
	require.NoError(t, n.err)
	assert.False(t, n.out.Stale)

	close(g.gates[1])
	o := <-older
	require.NoError(t, o.err)
	assert.True(t, o.out.Stale)

	assert.Equal(t, []string{"newer"}, summaries(s.Events()))
}

func TestResultForRemovedSourceIsDiscarded(t *testing.T) {
	g := newGatedFetcher(calendarDoc("Team", "initial"), calendarDoc("Team", "late"))
	close(g.gates[0])
	s, kv, _ := newService(t, g, nil)
	ctx := context.Background()

	src, err := s.AddFeed(ctx, "https://example.com/team.ics", "")
	require.NoError(t, err)
	<-g.started

	done := make(chan Outcome, 1)
	go func() { o, _ := s.Refresh(ctx, src.ID); done <- o }()
	<-g.started

	require.NoError(t, s.Remove(ctx, src.ID))
	close(g.gates[1])

	assert.True(t, (<-done).Stale)
	assert.Empty(t, s.Events())
	_, err = kv.Get(ctx, "events:"+src.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// pausingKV blocks snapshot writes once armed, until release is closed.
type pausingKV struct {
	store.KV
	mu      sync.Mutex
	armed   bool
	saving  chan struct{}
	release chan struct{}
}

func (p *pausingKV) Set(ctx context.Context, key, value string) error {
	p.mu.Lock()
	armed := p.armed && strings.HasPrefix(key, "events:")
	p.armed = p.armed && !armed
	p.mu.Unlock()
	if armed {
		close(p.saving)
		<-p.release
	}
	return p.KV.Set(ctx, key, value)
}

func TestRemoveDuringSnapshotSaveLeavesNoSnapshot(t *testing.T) {
	f := newMapFetcher()
	f.set("https://example.com/team.ics", calendarDoc("Team", "Standup"), nil)
	kv := &pausingKV{KV: store.NewMemory(), saving: make(chan struct{}), release: make(chan struct{})}
	s := New(registry.New(kv), f, nil, nil, Options{Location: time.UTC, Now: func() time.Time { return now }})
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	src, err := s.AddFeed(ctx, "https://example.com/team.ics", "")
	require.NoError(t, err)

	kv.mu.Lock()
	kv.armed = true
	kv.mu.Unlock()

	refreshed := make(chan struct{})
	go func() {
		_, _ = s.Refresh(ctx, src.ID)
		close(refreshed)
	}()
	<-kv.saving

	removed := make(chan error, 1)
	go func() { removed <- s.Remove(ctx, src.ID) }()

	assert.Never(t, func() bool { return len(removed) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	close(kv.release)
	<-refreshed
	require.NoError(t, <-removed)

	_, err = kv.Get(ctx, "events:"+src.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, s.Events())
}

func testProvider() *provider.Static {
	return &provider.Static{
		Calendars: []provider.Calendar{
			{ID: "me@example.com", DisplayName: "Me"},
			{ID: "holidays@group", DisplayName: "Holidays in France"},
			{ID: "weeks@group", DisplayName: "Week Numbers"},
		},
		Events: map[string][]provider.Event{
			"me@example.com": {
				{ID: "g1", Summary: "Review", Start: &provider.EventTime{DateTime: "2025-03-06T09:00:00Z"}},
				{ID: "g2", Summary: "Offsite", Start: &provider.EventTime{Date: "2025-03-08"}, End: &provider.EventTime{Date: "2025-03-09"}},
			},
		},
	}
}

func TestImportProvider(t *testing.T) {
	s, _, _ := newService(t, newMapFetcher(), testProvider())
	ctx := context.Background()

	srcs, err := s.ImportProvider(ctx)
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, "me@example.com", srcs[0].ID)
	assert.Equal(t, model.KindRemoteProvider, srcs[0].Kind)

	evs := s.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, time.Hour, evs[0].Duration())
	assert.True(t, evs[1].AllDay)

	_, err = s.ImportProvider(ctx)
	require.NoError(t, err)
	assert.Len(t, s.Sources(), 1, "import is idempotent")

	assert.ErrorIs(t, s.Remove(ctx, "me@example.com"), registry.ErrNotPermitted)
	assert.Len(t, s.Events(), 2)
}

func TestImportWithoutProvider(t *testing.T) {
	s, _, _ := newService(t, newMapFetcher(), nil)
	assert.False(t, s.HasProvider())
	_, err := s.ImportProvider(context.Background())
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestRefreshAllJoinsFailures(t *testing.T) {
	f := newMapFetcher()
	f.set("https://a/cal.ics", calendarDoc("A", "a1"), nil)
	f.set("https://b/cal.ics", calendarDoc("B", "b1"), nil)
	s, _, m := newService(t, f, nil)
	ctx := context.Background()

	a, err := s.AddFeed(ctx, "https://a/cal.ics", "")
	require.NoError(t, err)
	_, err = s.AddFeed(ctx, "https://b/cal.ics", "")
	require.NoError(t, err)

	f.set("https://a/cal.ics", "", errors.New("dial tcp: timeout"))
	f.set("https://b/cal.ics", calendarDoc("B", "b2"), nil)

	outs, err := s.RefreshAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), a.ID)
	require.Len(t, outs, 2)
	assert.Equal(t, 1, outs[1].Events)
	assert.Equal(t, []string{"a1", "b2"}, summaries(s.Events()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefreshRunsTotal))
}

func TestInitRestoresSnapshots(t *testing.T) {
	f := newMapFetcher()
	f.set("https://a/cal.ics", calendarDoc("A", "a1", "a2"), nil)
	s, kv, _ := newService(t, f, nil)
	_, err := s.AddFeed(context.Background(), "https://a/cal.ics", "")
	require.NoError(t, err)

	restarted := New(registry.New(kv), f, nil, nil, Options{Location: time.UTC})
	require.NoError(t, restarted.Init(context.Background()))
	assert.Equal(t, s.Sources(), restarted.Sources())
	assert.Equal(t, []string{"a1", "a2"}, summaries(restarted.Events()))
}

func TestQuickEntry(t *testing.T) {
	s, _, m := newService(t, newMapFetcher(), nil)

	assert.Nil(t, s.Preview("no dates here at all", ""))
	_, err := s.QuickAdd("no dates here at all", "")
	assert.ErrorIs(t, err, ErrNothingToCreate)
	assert.Empty(t, s.Events())

	prev := s.Preview("Friday I work from 9 to 3", "")
	require.NotNil(t, prev)
	assert.Empty(t, s.Events(), "preview does not store")

	ev, err := s.QuickAdd("Vendredi je travaille de 9h à 15h", "fr-FR")
	require.NoError(t, err)
	assert.Equal(t, "travaille", ev.Summary)
	assert.Equal(t, LocalSourceID, ev.SourceID)
	assert.Equal(t, time.Date(2025, 3, 7, 9, 0, 0, 0, time.UTC), ev.Start)

	require.Len(t, s.Events(), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QuickEntries.WithLabelValues("miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QuickEntries.WithLabelValues("hit")))
}

func TestViewAndExport(t *testing.T) {
	f := newMapFetcher()
	f.set("https://a/cal.ics", calendarDoc("A", "Standup", "Review", "Standup"), nil)
	s, _, _ := newService(t, f, nil)
	_, err := s.AddFeed(context.Background(), "https://a/cal.ics", "")
	require.NoError(t, err)

	res := s.View(view.Query{Sort: view.Lexicographic, Search: "stand"})
	assert.Equal(t, []string{"Standup", "Standup"}, summaries(res.Events))
	assert.Equal(t, map[string]float64{"Standup": 2}, res.Totals.Map())

	res = s.View(view.Query{Mode: view.ModeDay})
	assert.Len(t, res.Events, 3)
	require.NotNil(t, res.From)
	assert.Equal(t, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), *res.From)

	out := s.Export("", view.Query{})
	assert.Contains(t, out, "X-WR-CALNAME:calhub")
	assert.Equal(t, 3, strings.Count(out, "BEGIN:VEVENT"))
}
