// Package registry holds the connected calendar sources and their last
// event snapshots, persisted in a key/value store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	appLog "calhub/internal/log"
	"calhub/internal/model"
	"calhub/internal/store"
)

const (
	sourcesKey     = "calendars"
	snapshotPrefix = "events:"
)

var (
	ErrNotFound     = errors.New("calendar source not found")
	ErrNotPermitted = errors.New("remote-provider sources cannot be removed")
	ErrInvalid      = errors.New("invalid calendar source")
)

// Registry is the list of connected calendar sources.
type Registry struct {
	kv store.KV

	mu      sync.RWMutex
	sources []model.CalendarSource

	// IDFunc generates feed ids; defaults to uuid.NewString.
	IDFunc func() string
}

func New(kv store.KV) *Registry {
	return &Registry{kv: kv, IDFunc: uuid.NewString}
}

// Init loads persisted sources. Missing or unreadable state is treated as
// an empty registry.
func (r *Registry) Init(ctx context.Context) error {
	raw, err := r.kv.Get(ctx, sourcesKey)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sources = []model.CalendarSource{}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("registry: load: %w", err)
	}

	var loaded []model.CalendarSource
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		appLog.Error("registry state unreadable, starting empty", err)
		return nil
	}
	seen := make(map[string]struct{}, len(loaded))
	for _, s := range loaded {
		if s.ID == "" || !s.Kind.Valid() {
			continue
		}
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		r.sources = append(r.sources, s)
	}
	appLog.Info("registry loaded", "sources", len(r.sources))
	return nil
}

// Add registers src and returns the stored entry. Feed sources always get a
// fresh id. Remote-provider sources keep their id, and adding one that is
// already present returns the existing entry unchanged.
func (r *Registry) Add(ctx context.Context, src model.CalendarSource) (model.CalendarSource, error) {
	src.DisplayName = strings.TrimSpace(src.DisplayName)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch src.Kind {
	case model.KindFeed:
		if strings.TrimSpace(src.URL) == "" {
			return model.CalendarSource{}, fmt.Errorf("%w: feed without url", ErrInvalid)
		}
		src.ID = r.IDFunc()
	case model.KindRemoteProvider:
		if src.ID == "" {
			return model.CalendarSource{}, fmt.Errorf("%w: remote-provider source without id", ErrInvalid)
		}
		if existing, ok := r.find(src.ID); ok {
			return existing, nil
		}
		src.URL = ""
	default:
		return model.CalendarSource{}, fmt.Errorf("%w: kind %q", ErrInvalid, src.Kind)
	}

	r.sources = append(r.sources, src)
	if err := r.flush(ctx); err != nil {
		r.sources = r.sources[:len(r.sources)-1]
		return model.CalendarSource{}, err
	}
	return src, nil
}

// Remove deletes a feed source and its snapshot.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, s := range r.sources {
		if s.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	if r.sources[idx].Kind == model.KindRemoteProvider {
		return ErrNotPermitted
	}

	prev := r.sources
	r.sources = append(append([]model.CalendarSource{}, prev[:idx]...), prev[idx+1:]...)
	if err := r.flush(ctx); err != nil {
		r.sources = prev
		return err
	}
	if err := r.kv.Delete(ctx, snapshotPrefix+id); err != nil {
		appLog.Error("registry snapshot delete failed", err, "id", id)
	}
	return nil
}

// List returns a copy of the sources in insertion order.
func (r *Registry) List() []model.CalendarSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.CalendarSource{}, r.sources...)
}

// Get looks up one source.
func (r *Registry) Get(id string) (model.CalendarSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.find(id)
}

func (r *Registry) find(id string) (model.CalendarSource, bool) {
	for _, s := range r.sources {
		if s.ID == id {
			return s, true
		}
	}
	return model.CalendarSource{}, false
}

// flush must be called with mu held.
func (r *Registry) flush(ctx context.Context) error {
	data, err := json.Marshal(r.sources)
	if err != nil {
		return err
	}
	if err := r.kv.Set(ctx, sourcesKey, string(data)); err != nil {
		return fmt.Errorf("registry: flush: %w", err)
	}
	return nil
}

// SaveSnapshot stores the last fetched events of a source.
func (r *Registry) SaveSnapshot(ctx context.Context, id string, events []model.Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, snapshotPrefix+id, string(data))
}

// Snapshot returns the stored events of a source. ok is false when nothing
// usable is stored.
func (r *Registry) Snapshot(ctx context.Context, id string) ([]model.Event, bool) {
	raw, err := r.kv.Get(ctx, snapshotPrefix+id)
	if err != nil {
		return nil, false
	}
	var events []model.Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		appLog.Error("registry snapshot unreadable", err, "id", id)
		return nil, false
	}
	return events, true
}
