package agenda

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"calfeed/internal/feed"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

// DefaultConcurrency bounds concurrent source refreshes.
const DefaultConcurrency = 4

// Fetcher is the feed collaborator. *feed.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, src feed.Source) (feed.Fetched, error)
}

// Options configures a Service. Process is the template for every
// per-source pipeline call; its Now and SourceID are set per refresh.
type Options struct {
	Concurrency int
	Process     ics.Options
	Clock       func() time.Time
}

// SourceStatus is the last refresh outcome of one source.
type SourceStatus struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Events      int       `json:"events"`
	Token       string    `json:"token,omitempty"`
	FromCache   bool      `json:"from_cache"`
	RefreshedAt time.Time `json:"refreshed_at,omitzero"`
	Stale       bool      `json:"stale"`
	LastError   string    `json:"last_error,omitempty"`

	Skipped       int      `json:"skipped"`
	Partial       bool     `json:"partial"`
	RRuleFailures int      `json:"rrule_failures"`
	Truncated     []string `json:"truncated,omitempty"`
	Unreached     []string `json:"unreached,omitempty"`
}

type snapshot struct {
	status SourceStatus
	events []model.ResolvedEvent
}

// Service refreshes a fixed set of sources and serves the merged result of
// the last good refresh of each.
type Service struct {
	fetcher Fetcher
	sources []feed.Source
	opts    Options

	mu        sync.RWMutex
	snapshots map[string]*snapshot
	merged    []model.ResolvedEvent
	window    ics.Window
}

func New(fetcher Fetcher, sources []feed.Source, opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		fetcher:   fetcher,
		sources:   sources,
		opts:      opts,
		snapshots: make(map[string]*snapshot, len(sources)),
	}
}

// Refresh fetches and processes every source. A failing source keeps its
// previous snapshot and is marked stale; the returned error joins the
// per-source failures. Cancelling ctx aborts the whole refresh.
func (s *Service) Refresh(ctx context.Context) error {
	now := s.opts.Clock()
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	var (
		errMu sync.Mutex
		errs  []error
	)
	for _, src := range s.sources {
		src := src
		g.Go(func() error {
			err := s.refreshSource(gctx, src, now)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errMu.Lock()
			errs = append(errs, fmt.Errorf("agenda: refresh %s: %w", src.ID, err))
			errMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.rebuild()

	s.mu.RLock()
	total := len(s.merged)
	s.mu.RUnlock()
	appLog.Info("agenda refresh completed",
		"sources", len(s.sources),
		"failed", len(errs),
		"events", total,
		"took", time.Since(started).Round(time.Millisecond).String(),
	)
	return errors.Join(errs...)
}

func (s *Service) refreshSource(ctx context.Context, src feed.Source, now time.Time) error {
	fetched, err := s.fetcher.Fetch(ctx, src)
	if err != nil {
		s.markFailed(ctx, src, err)
		return err
	}

	opts := s.opts.Process
	opts.Now = now
	opts.SourceID = src.ID
	res, err := ics.Process(ctx, bytes.NewReader(fetched.Body), opts)
	if err != nil {
		s.markFailed(ctx, src, err)
		return err
	}

	if appLog.Enabled(appLog.LevelDebug) {
		for _, skipped := range res.Skipped {
			appLog.Debug("agenda event skipped", "source", src.ID, "err", skipped.Error())
		}
	}

	snap := &snapshot{
		events: res.Events,
		status: SourceStatus{
			ID:            src.ID,
			Name:          src.Name,
			Events:        len(res.Events),
			Token:         fetched.Token,
			FromCache:     fetched.FromCache,
			RefreshedAt:   now,
			Skipped:       res.SkippedCount,
			Partial:       res.IsPartial(),
			RRuleFailures: len(res.RRuleFailures),
			Truncated:     res.Truncated,
			Unreached:     res.Unreached,
		},
	}

	s.mu.Lock()
	s.snapshots[src.ID] = snap
	s.window = res.Window
	s.mu.Unlock()
	return nil
}

func (s *Service) markFailed(ctx context.Context, src feed.Source, err error) {
	if ctx.Err() != nil {
		return
	}
	appLog.Error("agenda source refresh failed; keeping last snapshot", err, "source", src.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[src.ID]
	if !ok {
		snap = &snapshot{status: SourceStatus{ID: src.ID, Name: src.Name}}
		s.snapshots[src.ID] = snap
	}
	snap.status.Stale = true
	snap.status.LastError = err.Error()
}

// rebuild merges the per-source snapshots in configuration order, so the
// first source wins ties between equally complete duplicates.
func (s *Service) rebuild() {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make([][]model.EventRecord, 0, len(s.sources))
	for _, src := range s.sources {
		if snap, ok := s.snapshots[src.ID]; ok {
			groups = append(groups, ics.Records(snap.events))
		}
	}
	s.merged = ics.Merge(groups...)
}

// Events returns the merged events of the last refresh. Callers must not
// modify the returned slice.
func (s *Service) Events() []model.ResolvedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.merged
}

// Between returns the merged events overlapping from..to.
func (s *Service) Between(from, to time.Time) []model.ResolvedEvent {
	events := s.Events()
	w := ics.Window{Start: from, End: to, MaxOccurrences: 1, Location: s.opts.Process.Location}
	out := make([]model.ResolvedEvent, 0, len(events))
	for _, ev := range events {
		if w.Overlaps(ev.Start, ev.End) {
			out = append(out, ev)
		}
	}
	return out
}

// Window is the expansion window of the last successful source refresh.
func (s *Service) Window() ics.Window {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window
}

// Sources reports every configured source in configuration order.
func (s *Service) Sources() []SourceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SourceStatus, 0, len(s.sources))
	for _, src := range s.sources {
		if snap, ok := s.snapshots[src.ID]; ok {
			out = append(out, snap.status)
			continue
		}
		out = append(out, SourceStatus{ID: src.ID, Name: src.Name})
	}
	return out
}
