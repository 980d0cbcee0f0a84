// Package presence polls online/last-seen status for visible participants.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
)

// ErrBatchInFlight is returned when a batch refresh is already outstanding.
// The call is dropped, not queued.
var ErrBatchInFlight = errors.New("presence batch already in flight")

// API fetches presence records.
type API interface {
	OnlineStatus(ctx context.Context, userID chat.ID) (chat.Presence, error)
	BatchOnlineStatus(ctx context.Context, userIDs []chat.ID) ([]chat.Presence, error)
}

// Tracker caches presence and keeps two polls: one for the conversation list
// and one for the open conversation's counterpart.
type Tracker struct {
	api      API
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	inFlight atomic.Bool

	mu      sync.RWMutex
	records map[chat.ID]chat.Presence

	watchMu sync.Mutex
	batch   *poll
	one     *poll
}

type poll struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *poll) stop() {
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}

// NewTracker creates a tracker polling at the given interval.
func NewTracker(api API, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		api:      api,
		bus:      b,
		logger:   logger,
		interval: interval,
		records:  make(map[chat.ID]chat.Presence),
	}
}

// RefreshBatch fetches presence for ids in one round trip. At most one batch
// is outstanding; concurrent calls return ErrBatchInFlight.
func (t *Tracker) RefreshBatch(ctx context.Context, ids []chat.ID) ([]chat.Presence, error) {
	ids = dedup(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBatchInFlight
	}
	defer t.inFlight.Store(false)

	recs, err := t.api.BatchOnlineStatus(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("batch presence: %w", err)
	}
	t.store(recs...)
	return recs, nil
}

// RefreshOne fetches presence for a single user.
func (t *Tracker) RefreshOne(ctx context.Context, id chat.ID) (chat.Presence, error) {
	rec, err := t.api.OnlineStatus(ctx, id)
	if err != nil {
		return chat.Presence{}, fmt.Errorf("presence %s: %w", id, err)
	}
	t.store(rec)
	return rec, nil
}

// WatchBatch replaces the list poll. An empty set stops it.
func (t *Tracker) WatchBatch(ids []chat.ID) {
	ids = dedup(ids)
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	t.batch.stop()
	t.batch = nil
	if len(ids) == 0 {
		return
	}
	t.batch = t.startPoll(func(ctx context.Context) error {
		_, err := t.RefreshBatch(ctx, ids)
		if errors.Is(err, ErrBatchInFlight) {
			return nil
		}
		return err
	})
}

// WatchOne replaces the open-conversation poll. An empty id stops it.
func (t *Tracker) WatchOne(id chat.ID) {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	t.one.stop()
	t.one = nil
	if id.IsZero() {
		return
	}
	t.one = t.startPoll(func(ctx context.Context) error {
		_, err := t.RefreshOne(ctx, id)
		return err
	})
}

// Stop cancels both polls.
func (t *Tracker) Stop() {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	t.batch.stop()
	t.one.stop()
	t.batch, t.one = nil, nil
}

// Get returns the last fetched record for a user.
func (t *Tracker) Get(id chat.ID) (chat.Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.records[id]
	return p, ok
}

// Snapshot returns every cached record.
func (t *Tracker) Snapshot() map[chat.ID]chat.Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[chat.ID]chat.Presence, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}

func (t *Tracker) startPoll(refresh func(context.Context) error) *poll {
	ctx, cancel := context.WithCancel(context.Background())
	p := &poll{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			if err := refresh(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("presence refresh failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return p
}

func (t *Tracker) store(recs ...chat.Presence) {
	now := time.Now()
	t.mu.Lock()
	for _, r := range recs {
		if r.UserID.IsZero() {
			continue
		}
		r.FetchedAt = now
		t.records[r.UserID] = r
	}
	t.mu.Unlock()
	t.bus.Emit(bus.PresenceUpdated, len(recs))
}

func dedup(ids []chat.ID) []chat.ID {
	seen := make(map[chat.ID]bool, len(ids))
	out := make([]chat.ID, 0, len(ids))
	for _, id := range ids {
		if id.IsZero() || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
