package offlinekit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncPriority is the sync priority tier. Lower value means higher priority.
type SyncPriority int

const (
	// PriorityCritical must sync first: safety events, audit logs.
	PriorityCritical SyncPriority = iota
	// PriorityHigh syncs on the next cycle: session state, preferences.
	PriorityHigh
	// PriorityNormal is best-effort: telemetry, analytics.
	PriorityNormal
	// PriorityLow batches when convenient: debug traces.
	PriorityLow
)

// String returns the priority name.
func (p SyncPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// SyncStatus is the lifecycle state of a sync item.
type SyncStatus string

const (
	// StatusPending means the item awaits processing.
	StatusPending SyncStatus = "pending"
	// StatusInFlight means the item is being processed.
	StatusInFlight SyncStatus = "in_flight"
	// StatusSynced means the item reconciled successfully.
	StatusSynced SyncStatus = "synced"
	// StatusConflict means the item awaits manual resolution.
	StatusConflict SyncStatus = "conflict"
	// StatusFailed means the remote push exhausted its retries.
	StatusFailed SyncStatus = "failed"
	// StatusSkipped means delta-sync found the content unchanged.
	StatusSkipped SyncStatus = "skipped"
)

// ConflictResolution specifies how to resolve diverging values.
type ConflictResolution string

const (
	// ConflictResolutionLastWriteWins picks the strictly later
	// modification timestamp; ties favor the local value.
	ConflictResolutionLastWriteWins ConflictResolution = "last_write_wins"

	// ConflictResolutionLocalWins always keeps the local value.
	ConflictResolutionLocalWins ConflictResolution = "local_wins"

	// ConflictResolutionRemoteWins always keeps the remote value.
	ConflictResolutionRemoteWins ConflictResolution = "remote_wins"

	// ConflictResolutionManual flags the item for a human resolver.
	ConflictResolutionManual ConflictResolution = "manual"
)

// SyncItem is a single item to be reconciled with a remote counterpart.
// Reconciliation is per Key, not per item. The orchestrator mutates Status,
// SyncedAt, and Error in place as the item moves through its lifecycle.
type SyncItem struct {
	// ID uniquely identifies this item. Generated when empty.
	ID string `json:"id"`

	// Key is the logical data key, e.g. "session/abc/state".
	Key string `json:"key"`

	// LocalValue is the local value to sync.
	LocalValue any `json:"local_value"`

	// RemoteValue is the last known remote value. Nil means unknown.
	RemoteValue any `json:"remote_value,omitempty"`

	// LocalModifiedAt is when the local value last changed.
	LocalModifiedAt time.Time `json:"local_modified_at"`

	// RemoteModifiedAt is when the remote value last changed. The zero
	// value means no remote timestamp is known.
	RemoteModifiedAt time.Time `json:"remote_modified_at,omitempty"`

	// Priority orders processing: critical first, low last.
	Priority SyncPriority `json:"priority"`

	// Status is the current lifecycle state.
	Status SyncStatus `json:"status"`

	// Resolution is the conflict resolution policy. The orchestrator's
	// default applies when empty.
	Resolution ConflictResolution `json:"resolution,omitempty"`

	// Fingerprint is the content digest of LocalValue, computed once at
	// construction and used for delta-sync comparison.
	Fingerprint string `json:"fingerprint"`

	// SyncedAt is when the item last reconciled successfully.
	SyncedAt time.Time `json:"synced_at,omitempty"`

	// Error is the failure message when Status is StatusFailed.
	Error string `json:"error,omitempty"`
}

// NewSyncItem creates a pending sync item with a generated id, the current
// local modification time, normal priority, and the local value's content
// fingerprint.
func NewSyncItem(key string, localValue any) *SyncItem {
	return &SyncItem{
		ID:              uuid.NewString(),
		Key:             key,
		LocalValue:      localValue,
		LocalModifiedAt: time.Now().UTC(),
		Priority:        PriorityNormal,
		Status:          StatusPending,
		Fingerprint:     Fingerprint(localValue),
	}
}

// hasRemote reports whether the item carries a remote value and timestamp.
func (it *SyncItem) hasRemote() bool {
	return it.RemoteValue != nil && !it.RemoteModifiedAt.IsZero()
}

// SyncResult is the immutable record of one processing attempt.
type SyncResult struct {
	ItemID        string     `json:"item_id"`
	Key           string     `json:"key"`
	Status        SyncStatus `json:"status"`
	ResolvedValue any        `json:"resolved_value,omitempty"`
	SyncedAt      time.Time  `json:"synced_at"`
	Error         string     `json:"error,omitempty"`
}

// SyncStats aggregates result counts across all history.
type SyncStats struct {
	Total         int `json:"total"`
	Synced        int `json:"synced"`
	Skipped       int `json:"skipped"`
	Conflicts     int `json:"conflicts"`
	Failed        int `json:"failed"`
	PendingItems  int `json:"pending_items"`
	ManualPending int `json:"manual_pending"`
}

// RemotePusher applies a reconciled value to the remote counterpart. When
// configured, push errors route through bounded retry before the item is
// marked failed.
type RemotePusher func(ctx context.Context, key string, value any) error

// SyncConfig configures a sync orchestrator.
type SyncConfig struct {
	// DefaultResolution applies to items that do not specify a policy.
	// Default: last-write-wins.
	DefaultResolution ConflictResolution

	// Pusher optionally applies winning values to a remote counterpart.
	// Nil keeps reconciliation purely in-process, matching the base
	// algorithm in which no sync can fail.
	Pusher RemotePusher

	// PushRetry bounds retries of a failing Pusher.
	PushRetry RetryConfig

	// Journal optionally persists results and fingerprint checkpoints.
	Journal *JournalConfig
}

// DefaultSyncConfig returns a sync configuration with last-write-wins
// resolution and no remote pusher or journal.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		DefaultResolution: ConflictResolutionLastWriteWins,
		PushRetry:         DefaultRetryConfig(),
	}
}

// SyncOrchestrator maintains a priority-ordered queue of pending items and
// reconciles them with delta-sync and conflict resolution. It is safe for
// concurrent use; no internal lock is held across a call into the Pusher.
type SyncOrchestrator struct {
	config  SyncConfig
	retryer *Retryer
	journal *SyncJournal

	mu           sync.Mutex
	queue        []*SyncItem
	fingerprints map[string]string // key -> last synced fingerprint
	history      []SyncResult
	manual       []*SyncItem
}

// NewSyncOrchestrator creates a sync orchestrator. When the configuration
// names a journal, previously checkpointed fingerprints are reloaded so
// delta-sync carries across restarts.
func NewSyncOrchestrator(config SyncConfig) (*SyncOrchestrator, error) {
	if config.DefaultResolution == "" {
		config.DefaultResolution = ConflictResolutionLastWriteWins
	}

	o := &SyncOrchestrator{
		config:       config,
		fingerprints: make(map[string]string),
	}

	if config.Pusher != nil {
		o.retryer = NewRetryer(config.PushRetry)
	}

	if config.Journal != nil {
		journal, err := OpenSyncJournal(*config.Journal)
		if err != nil {
			return nil, fmt.Errorf("open sync journal: %w", err)
		}
		checkpoints, err := journal.Fingerprints()
		if err != nil {
			journal.Close()
			return nil, fmt.Errorf("load fingerprint checkpoints: %w", err)
		}
		o.fingerprints = checkpoints
		o.journal = journal
	}

	return o, nil
}

// Close releases the journal, if any.
func (o *SyncOrchestrator) Close() error {
	if o.journal == nil {
		return nil
	}
	return o.journal.Close()
}

// Enqueue adds an item to the sync queue, applying the default resolution
// policy and filling identity fields left empty by manual construction.
func (o *SyncOrchestrator) Enqueue(item *SyncItem) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.LocalModifiedAt.IsZero() {
		item.LocalModifiedAt = time.Now().UTC()
	}
	if item.Fingerprint == "" {
		item.Fingerprint = Fingerprint(item.LocalValue)
	}
	if item.Resolution == "" {
		item.Resolution = o.config.DefaultResolution
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, item)
}

// EnqueueBatch adds multiple items to the sync queue.
func (o *SyncOrchestrator) EnqueueBatch(items []*SyncItem) {
	for _, item := range items {
		o.Enqueue(item)
	}
}

// QueueSize returns the number of items currently pending.
func (o *SyncOrchestrator) QueueSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	count := 0
	for _, item := range o.queue {
		if item.Status == StatusPending {
			count++
		}
	}
	return count
}

// Pending returns pending items ordered by priority, critical first. Items
// of equal priority keep their enqueue order.
func (o *SyncOrchestrator) Pending() []*SyncItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingLocked()
}

func (o *SyncOrchestrator) pendingLocked() []*SyncItem {
	var pending []*SyncItem
	for _, item := range o.queue {
		if item.Status == StatusPending {
			pending = append(pending, item)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority < pending[j].Priority
	})
	return pending
}

// SyncAll processes every pending item in priority order and returns one
// result per item.
func (o *SyncOrchestrator) SyncAll(ctx context.Context) []SyncResult {
	o.mu.Lock()
	batch := o.pendingLocked()
	o.mu.Unlock()

	results := make([]SyncResult, 0, len(batch))
	for _, item := range batch {
		results = append(results, o.syncItem(ctx, item))
	}
	return results
}

// SyncPriority processes only pending items at the given priority tier, in
// enqueue order.
func (o *SyncOrchestrator) SyncPriority(ctx context.Context, priority SyncPriority) []SyncResult {
	o.mu.Lock()
	var batch []*SyncItem
	for _, item := range o.queue {
		if item.Status == StatusPending && item.Priority == priority {
			batch = append(batch, item)
		}
	}
	o.mu.Unlock()

	results := make([]SyncResult, 0, len(batch))
	for _, item := range batch {
		results = append(results, o.syncItem(ctx, item))
	}
	return results
}

// syncItem runs the single-item reconciliation pipeline.
func (o *SyncOrchestrator) syncItem(ctx context.Context, item *SyncItem) SyncResult {
	o.mu.Lock()

	item.Status = StatusInFlight
	now := time.Now().UTC()

	// Delta-sync: content unchanged since the last sync of this key means
	// no conflict logic runs at all.
	if last, ok := o.fingerprints[item.Key]; ok && last == item.Fingerprint {
		item.Status = StatusSkipped
		result := SyncResult{
			ItemID:   item.ID,
			Key:      item.Key,
			Status:   StatusSkipped,
			SyncedAt: now,
		}
		o.recordLocked(result)
		o.mu.Unlock()
		return result
	}

	// Conflict detection: a remote value that is content-identical to the
	// local one is never a conflict, whatever the timestamps say.
	winner := item.LocalValue
	winnerFingerprint := item.Fingerprint
	if item.hasRemote() {
		remoteFingerprint := Fingerprint(item.RemoteValue)
		if remoteFingerprint != item.Fingerprint {
			switch item.Resolution {
			case ConflictResolutionManual:
				item.Status = StatusConflict
				o.removeFromQueueLocked(item.ID)
				o.manual = append(o.manual, item)
				result := SyncResult{
					ItemID:   item.ID,
					Key:      item.Key,
					Status:   StatusConflict,
					SyncedAt: now,
				}
				o.recordLocked(result)
				o.mu.Unlock()
				return result
			case ConflictResolutionRemoteWins:
				winner = item.RemoteValue
				winnerFingerprint = remoteFingerprint
			case ConflictResolutionLocalWins:
				// Local value stands.
			default: // last-write-wins; ties favor local
				if item.RemoteModifiedAt.After(item.LocalModifiedAt) {
					winner = item.RemoteValue
					winnerFingerprint = remoteFingerprint
				}
			}
		}
	}
	o.mu.Unlock()

	// Push outside the lock; the pusher is caller-supplied and may block.
	if o.config.Pusher != nil {
		retry := o.retryer.Do(ctx, func() error {
			return o.config.Pusher(ctx, item.Key, winner)
		})
		if retry.LastErr != nil {
			o.mu.Lock()
			item.Status = StatusFailed
			item.Error = retry.LastErr.Error()
			result := SyncResult{
				ItemID:   item.ID,
				Key:      item.Key,
				Status:   StatusFailed,
				SyncedAt: time.Now().UTC(),
				Error:    fmt.Sprintf("remote push failed after %d attempts: %v", retry.Attempts, retry.LastErr),
			}
			o.recordLocked(result)
			o.mu.Unlock()
			return result
		}
	}

	o.mu.Lock()
	o.fingerprints[item.Key] = winnerFingerprint
	item.Status = StatusSynced
	item.SyncedAt = time.Now().UTC()
	result := SyncResult{
		ItemID:        item.ID,
		Key:           item.Key,
		Status:        StatusSynced,
		ResolvedValue: winner,
		SyncedAt:      item.SyncedAt,
	}
	o.recordLocked(result)
	o.checkpointLocked(item.Key, winnerFingerprint)
	o.mu.Unlock()
	return result
}

// ResolveManualConflict resolves a manually-flagged conflict by supplying
// the winning value. It is the only way an item leaves the conflict list.
func (o *SyncOrchestrator) ResolveManualConflict(itemID string, chosen any) (SyncResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := -1
	for i, item := range o.manual {
		if item.ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return SyncResult{}, fmt.Errorf("resolve %q: %w", itemID, ErrConflictNotFound)
	}

	item := o.manual[idx]
	o.manual = append(o.manual[:idx], o.manual[idx+1:]...)

	fingerprint := Fingerprint(chosen)
	o.fingerprints[item.Key] = fingerprint
	item.Status = StatusSynced
	item.SyncedAt = time.Now().UTC()

	result := SyncResult{
		ItemID:        item.ID,
		Key:           item.Key,
		Status:        StatusSynced,
		ResolvedValue: chosen,
		SyncedAt:      item.SyncedAt,
	}
	o.recordLocked(result)
	o.checkpointLocked(item.Key, fingerprint)
	return result, nil
}

// ManualConflicts returns the items awaiting manual resolution.
func (o *SyncOrchestrator) ManualConflicts() []*SyncItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	conflicts := make([]*SyncItem, len(o.manual))
	copy(conflicts, o.manual)
	return conflicts
}

// History returns all sync results produced so far.
func (o *SyncOrchestrator) History() []SyncResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	history := make([]SyncResult, len(o.history))
	copy(history, o.history)
	return history
}

// Stats returns aggregate counts per status across all history.
func (o *SyncOrchestrator) Stats() SyncStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := SyncStats{
		Total:         len(o.history),
		ManualPending: len(o.manual),
	}
	for _, res := range o.history {
		switch res.Status {
		case StatusSynced:
			stats.Synced++
		case StatusSkipped:
			stats.Skipped++
		case StatusConflict:
			stats.Conflicts++
		case StatusFailed:
			stats.Failed++
		}
	}
	for _, item := range o.queue {
		if item.Status == StatusPending {
			stats.PendingItems++
		}
	}
	return stats
}

func (o *SyncOrchestrator) removeFromQueueLocked(itemID string) {
	for i, item := range o.queue {
		if item.ID == itemID {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return
		}
	}
}

func (o *SyncOrchestrator) recordLocked(result SyncResult) {
	o.history = append(o.history, result)
	if o.journal != nil {
		// Journal failures must not abort reconciliation; they surface
		// through the journal's own stats.
		_ = o.journal.Append(result)
	}
}

func (o *SyncOrchestrator) checkpointLocked(key, fingerprint string) {
	if o.journal != nil {
		_ = o.journal.SetFingerprint(key, fingerprint)
	}
}
