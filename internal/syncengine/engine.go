// Package syncengine orchestrates a single sync batch from a source
// device: it normalizes and deduplicates the incoming payload, checks
// sequence monotonicity and capacity, opens a store transaction, applies
// upserts and deletions, updates sync state, and commits or aborts —
// never leaving a partially applied batch visible.
package syncengine

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/autosync/contactcache/internal/model"
	"github.com/autosync/contactcache/internal/normalize"
	"github.com/autosync/contactcache/internal/store"
)

// Clock returns the current time as epoch milliseconds. Injected so tests
// can pin time.
type Clock func() int64

// Engine applies sync batches against a Store. It holds no mutable state
// of its own between calls; CacheLimits and the clock are treated as
// immutable for the engine's lifetime.
type Engine struct {
	Store  store.Store
	Limits model.CacheLimits
	Clock  Clock
	Logger zerolog.Logger
}

// New constructs an Engine. limits and clock must not be nil/zero in
// production use. With model.CacheLimits{} every non-empty batch is
// rejected for capacity; with a nil clock every write is stamped 0.
func New(s store.Store, limits model.CacheLimits, clock Clock, logger zerolog.Logger) *Engine {
	return &Engine{Store: s, Limits: limits, Clock: clock, Logger: logger}
}

// ApplyFullSync asserts the current set of contacts from sourceDeviceRaw.
// When metadata.CompleteSnapshot is true, any active row not present in
// the batch is tombstoned; otherwise the summary reports
// PartialSnapshot=true and no deletions are inferred.
func (e *Engine) ApplyFullSync(ctx context.Context, sourceDeviceRaw string, raw []model.RawContact, metadata model.SyncMetadata) (model.SyncSummary, error) {
	traceID := uuid.New()
	logger := e.Logger.With().Str("trace_id", traceID.String()).Str("op", "apply_full_sync").Logger()

	sourceDevice, ok := normalize.SourceDevice(sourceDeviceRaw, e.Limits)
	if !ok {
		logger.Warn().Msg("rejecting full sync: blank source_device")
		return model.SyncSummary{}, &InvalidInputError{Err: ErrBlankSourceDevice}
	}
	logger = logger.With().Str("source_device", sourceDevice).Logger()

	deduped, invalidDropped := normalizeAndDedupe(raw, e.Limits)

	if len(deduped) > e.Limits.MaxContactsPerDevice {
		logger.Warn().Int("incoming", len(deduped)).Int("limit", e.Limits.MaxContactsPerDevice).
			Msg("rejecting full sync: capacity exceeded")
		return model.SyncSummary{}, &SyncRejectedError{Err: ErrCapacityExceeded}
	}

	tx, err := e.Store.BeginTransaction(ctx)
	if err != nil {
		return model.SyncSummary{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := e.checkSequence(ctx, sourceDevice, metadata, &logger); err != nil {
		return model.SyncSummary{}, err
	}

	now := e.now()
	summary := model.SyncSummary{}
	liveIDs := make([]string, 0, len(deduped))

	for _, c := range deduped {
		outcome, err := e.Store.UpsertContact(ctx, tx, sourceDevice, c, now)
		if err != nil {
			return model.SyncSummary{}, err
		}
		summary.Apply(outcome)
		liveIDs = append(liveIDs, c.ExternalContactID)
	}

	if metadata.CompleteSnapshot {
		deleted, err := e.Store.MarkMissingDeleted(ctx, tx, sourceDevice, liveIDs, now)
		if err != nil {
			return model.SyncSummary{}, err
		}
		summary.Deleted = deleted
	} else {
		summary.PartialSnapshot = true
	}
	summary.InvalidDropped = invalidDropped

	if err := e.upsertSyncStateForFullSync(ctx, tx, sourceDevice, metadata, now); err != nil {
		return model.SyncSummary{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.SyncSummary{}, err
	}
	committed = true

	logger.Info().
		Int("inserted", summary.Inserted).Int("updated", summary.Updated).
		Int("unchanged", summary.Unchanged).Int("deleted", summary.Deleted).
		Int("stale_ignored", summary.StaleIgnored).Int("invalid_dropped", summary.InvalidDropped).
		Bool("partial_snapshot", summary.PartialSnapshot).
		Msg("full sync applied")

	return summary, nil
}

// ApplyDeltaSync applies an explicit set of upserts and an explicit set of
// deletion ids. An id present in both the upsert batch and the deletion
// list is upserted, not deleted: upsert wins over delete within one batch.
func (e *Engine) ApplyDeltaSync(ctx context.Context, sourceDeviceRaw string, upserts []model.RawContact, deletions []string, metadata model.SyncMetadata) (model.SyncSummary, error) {
	traceID := uuid.New()
	logger := e.Logger.With().Str("trace_id", traceID.String()).Str("op", "apply_delta_sync").Logger()

	sourceDevice, ok := normalize.SourceDevice(sourceDeviceRaw, e.Limits)
	if !ok {
		logger.Warn().Msg("rejecting delta sync: blank source_device")
		return model.SyncSummary{}, &InvalidInputError{Err: ErrBlankSourceDevice}
	}
	logger = logger.With().Str("source_device", sourceDevice).Logger()

	deduped, invalidDropped := normalizeAndDedupe(upserts, e.Limits)
	deletionIDs := normalizeDeletionIDs(deletions, e.Limits, deduped)

	activeCount, err := e.Store.CountActiveContacts(ctx, sourceDevice)
	if err != nil {
		return model.SyncSummary{}, err
	}
	if len(deduped)+activeCount > e.Limits.MaxContactsPerDevice {
		logger.Warn().Int("incoming", len(deduped)).Int("active", activeCount).
			Int("limit", e.Limits.MaxContactsPerDevice).Msg("rejecting delta sync: capacity exceeded")
		return model.SyncSummary{}, &SyncRejectedError{Err: ErrCapacityExceeded}
	}

	tx, err := e.Store.BeginTransaction(ctx)
	if err != nil {
		return model.SyncSummary{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := e.checkSequence(ctx, sourceDevice, metadata, &logger); err != nil {
		return model.SyncSummary{}, err
	}

	now := e.now()
	summary := model.SyncSummary{PartialSnapshot: true, InvalidDropped: invalidDropped}

	for _, c := range deduped {
		outcome, err := e.Store.UpsertContact(ctx, tx, sourceDevice, c, now)
		if err != nil {
			return model.SyncSummary{}, err
		}
		summary.Apply(outcome)
	}

	deleted, err := e.Store.MarkDeleted(ctx, tx, sourceDevice, deletionIDs, now)
	if err != nil {
		return model.SyncSummary{}, err
	}
	summary.Deleted = deleted

	if err := e.upsertSyncStateForDeltaSync(ctx, tx, sourceDevice, metadata, now); err != nil {
		return model.SyncSummary{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.SyncSummary{}, err
	}
	committed = true

	logger.Info().
		Int("inserted", summary.Inserted).Int("updated", summary.Updated).
		Int("unchanged", summary.Unchanged).Int("deleted", summary.Deleted).
		Int("stale_ignored", summary.StaleIgnored).Int("invalid_dropped", summary.InvalidDropped).
		Msg("delta sync applied")

	return summary, nil
}

// normalizeDeletionIDs trims and dedupes deletion ids, then drops any id
// that also appears in the deduped upsert set: upsert wins over delete
// within the same batch.
func normalizeDeletionIDs(raw []string, limits model.CacheLimits, upserts []model.Contact) []string {
	upserted := make(map[string]struct{}, len(upserts))
	for _, c := range upserts {
		upserted[c.ExternalContactID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		normalized, ok := normalize.ExternalID(id, limits)
		if !ok {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		if _, isUpserted := upserted[normalized]; isUpserted {
			continue
		}
		out = append(out, normalized)
	}
	return out
}

// checkSequence enforces monotonic sync sequence numbers. A sequence of
// zero or less is never checked (the source isn't using sequencing). A
// strictly regressed sequence is rejected unless the caller explicitly
// set AllowSequenceRegression.
func (e *Engine) checkSequence(ctx context.Context, sourceDevice string, metadata model.SyncMetadata, logger *zerolog.Logger) error {
	if metadata.SourceSyncSequence <= 0 {
		return nil
	}

	state, ok, err := e.Store.GetSyncState(ctx, sourceDevice)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if metadata.SourceSyncSequence < state.LastSourceSyncSequence && !metadata.AllowSequenceRegression {
		logger.Warn().
			Int64("incoming_sequence", metadata.SourceSyncSequence).
			Int64("previous_sequence", state.LastSourceSyncSequence).
			Msg("rejecting sync: sequence regression")
		return &SyncRejectedError{
			Err:      ErrSequenceRegression,
			Incoming: metadata.SourceSyncSequence,
			Previous: state.LastSourceSyncSequence,
		}
	}
	return nil
}

// upsertSyncStateForFullSync writes the post-sync state. last_full_sync_ms
// advances to now; last_delta_sync_ms is carried over unchanged, since a
// full sync is authoritative for "last full snapshot" but says nothing
// about deltas applied since.
func (e *Engine) upsertSyncStateForFullSync(ctx context.Context, tx store.Tx, sourceDevice string, metadata model.SyncMetadata, now int64) error {
	prior, _, err := e.Store.GetSyncState(ctx, sourceDevice)
	if err != nil {
		return err
	}
	next := model.SyncState{
		LastFullSyncMs:         now,
		LastDeltaSyncMs:        prior.LastDeltaSyncMs,
		LastSyncToken:          resolveToken(metadata.SyncToken, prior.LastSyncToken),
		LastSourceSyncSequence: metadata.SourceSyncSequence,
		CacheSchemaVersion:     model.SchemaVersion,
	}
	return e.Store.UpsertSyncState(ctx, tx, sourceDevice, next)
}

// upsertSyncStateForDeltaSync writes post-sync state for a delta batch.
// last_full_sync_ms is preserved from the prior state; last_delta_sync_ms
// advances to now.
func (e *Engine) upsertSyncStateForDeltaSync(ctx context.Context, tx store.Tx, sourceDevice string, metadata model.SyncMetadata, now int64) error {
	prior, _, err := e.Store.GetSyncState(ctx, sourceDevice)
	if err != nil {
		return err
	}
	next := model.SyncState{
		LastFullSyncMs:         prior.LastFullSyncMs,
		LastDeltaSyncMs:        now,
		LastSyncToken:          resolveToken(metadata.SyncToken, prior.LastSyncToken),
		LastSourceSyncSequence: metadata.SourceSyncSequence,
		CacheSchemaVersion:     model.SchemaVersion,
	}
	return e.Store.UpsertSyncState(ctx, tx, sourceDevice, next)
}

// resolveToken decides the next stored sync token: a nil token preserves
// whatever was previously stored; an explicit empty string clears it.
func resolveToken(incoming *string, prior string) string {
	if incoming == nil {
		return prior
	}
	return *incoming
}

func (e *Engine) now() int64 {
	if e.Clock == nil {
		return 0
	}
	return e.Clock()
}
