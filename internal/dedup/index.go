package dedup

import (
	"context"
	"sort"
	"sync"
	"time"

	"autoresponder/internal/logger"
	"autoresponder/pkg/models"
)

// State is the persisted dedup document.
type State struct {
	ProcessedHashes []string             `json:"processed_hashes"`
	ThreatHistory   map[string]time.Time `json:"threat_history"`
	LastUpdated     time.Time            `json:"last_updated"`
}

// Store loads and saves dedup state.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// Index tracks processed alerts and recently remediated threats.
type Index struct {
	mu        sync.Mutex
	window    time.Duration
	processed map[string]struct{}
	threats   map[string]time.Time
	store     Store
	now       func() time.Time
}

// NewIndex creates an empty index. store may be nil for in-memory use.
func NewIndex(window time.Duration, store Store) *Index {
	if window <= 0 {
		window = 300 * time.Second
	}
	return &Index{
		window:    window,
		processed: make(map[string]struct{}),
		threats:   make(map[string]time.Time),
		store:     store,
		now:       time.Now,
	}
}

// Load replaces in-memory state with the stored document.
func (i *Index) Load(ctx context.Context) error {
	if i.store == nil {
		return nil
	}
	state, err := i.store.Load(ctx)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.processed = make(map[string]struct{}, len(state.ProcessedHashes))
	for _, h := range state.ProcessedHashes {
		i.processed[h] = struct{}{}
	}
	i.threats = make(map[string]time.Time, len(state.ThreatHistory))
	for h, ts := range state.ThreatHistory {
		i.threats[h] = ts
	}
	return nil
}

// IsProcessed reports whether the alert's identity was already handled.
func (i *Index) IsProcessed(alert models.Alert) bool {
	return i.IsProcessedID(AlertIdentity(alert))
}

// IsProcessedID is IsProcessed for a precomputed identity.
func (i *Index) IsProcessedID(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.processed[id]
	return ok
}

// IsDuplicateThreat reports whether the alert's threat was recorded within
// the window. It never modifies the history.
func (i *Index) IsDuplicateThreat(alert models.Alert) bool {
	return i.IsDuplicateThreatID(ThreatIdentity(alert))
}

// IsDuplicateThreatID is IsDuplicateThreat for a precomputed identity.
func (i *Index) IsDuplicateThreatID(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	seen, ok := i.threats[id]
	if !ok {
		return false
	}
	return i.now().Sub(seen) < i.window
}

// RecordThreat sets the alert's threat as seen now. Call it only after a
// successful dispatch.
func (i *Index) RecordThreat(alert models.Alert) {
	i.RecordThreatID(ThreatIdentity(alert))
}

// RecordThreatID is RecordThreat for a precomputed identity.
func (i *Index) RecordThreatID(id string) {
	i.mu.Lock()
	i.threats[id] = i.now()
	i.mu.Unlock()
}

// MarkProcessed adds the alert's identity to the processed set.
func (i *Index) MarkProcessed(alert models.Alert) {
	i.MarkProcessedID(AlertIdentity(alert))
}

// MarkProcessedID is MarkProcessed for a precomputed identity.
func (i *Index) MarkProcessedID(id string) {
	i.mu.Lock()
	i.processed[id] = struct{}{}
	i.mu.Unlock()
}

// Counts returns the processed-set and threat-history sizes.
func (i *Index) Counts() (int, int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.processed), len(i.threats)
}

// Persist drops expired threats and writes the state to the store. The
// snapshot is taken under the lock; the write happens outside it.
func (i *Index) Persist(ctx context.Context) error {
	state := i.snapshot()
	if i.store == nil {
		return nil
	}
	if err := i.store.Save(ctx, state); err != nil {
		logger.Errorf("Failed to persist dedup state (%d processed, %d threats): %v",
			len(state.ProcessedHashes), len(state.ThreatHistory), err)
		return err
	}
	return nil
}

func (i *Index) snapshot() *State {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	for h, seen := range i.threats {
		if now.Sub(seen) >= i.window {
			delete(i.threats, h)
		}
	}

	state := &State{
		ProcessedHashes: make([]string, 0, len(i.processed)),
		ThreatHistory:   make(map[string]time.Time, len(i.threats)),
		LastUpdated:     now.UTC(),
	}
	for h := range i.processed {
		state.ProcessedHashes = append(state.ProcessedHashes, h)
	}
	sort.Strings(state.ProcessedHashes)
	for h, seen := range i.threats {
		state.ThreatHistory[h] = seen.UTC()
	}
	return state
}
