// Package store defines the transactional store contract the sync engine
// is built against. Two concrete backends live in subpackages: pgstore
// (durable, pgx/v5-backed) and memstore (in-memory, for tests).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/autosync/contactcache/internal/model"
)

// Sentinel errors callers can match with errors.Is. Concrete backends wrap
// these inside the richer *StoreError / *ProgrammingError types below
// rather than returning them bare, so a caller that only checks errors.Is
// still works, and one that wants structured detail can errors.As.
var (
	// ErrNoActiveTransaction is the underlying cause of a ProgrammingError
	// raised when a write is attempted outside begin_transaction.
	ErrNoActiveTransaction = errors.New("no active transaction")

	// ErrNestedTransaction is the underlying cause of a ProgrammingError
	// raised by a second begin_transaction before the first committed or
	// rolled back.
	ErrNestedTransaction = errors.New("nested transaction not supported")
)

// ProgrammingError indicates API misuse: a write outside a transaction, or
// a nested begin_transaction. It is never expected in correct call sites
// and should not be handled for recovery.
type ProgrammingError struct {
	Op  string
	Err error
}

func (e *ProgrammingError) Error() string {
	return fmt.Sprintf("programming error in %s: %v", e.Op, e.Err)
}

func (e *ProgrammingError) Unwrap() error { return e.Err }

// StoreError wraps an underlying persistence failure. The transaction that
// produced it, if any, has already been aborted by the time this is
// returned.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error in %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Tx is a scoped write transaction. Every mutating Store method must be
// called with the Tx returned from a prior BeginTransaction, and exactly
// one of Commit or Rollback must be called to end it. A Tx is not safe for
// concurrent use.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the capability set the sync engine is polymorphic over.
// Implementations must honor every semantic rule documented on each
// method below.
type Store interface {
	// BeginTransaction opens a scoped write transaction. Nested
	// transactions are a ProgrammingError.
	BeginTransaction(ctx context.Context) (Tx, error)

	// UpsertContact inserts, updates, or no-ops a contact row under the
	// version-then-timestamp staleness rule. Must be called with an open
	// Tx; calling outside one is a ProgrammingError.
	UpsertContact(ctx context.Context, tx Tx, sourceDevice string, c model.Contact, nowMs int64) (model.UpsertOutcome, error)

	// MarkDeleted tombstones the rows in ids that exist, are not already
	// tombstoned, and belong to sourceDevice. Returns the count actually
	// flipped. Must be called with an open Tx.
	MarkDeleted(ctx context.Context, tx Tx, sourceDevice string, ids []string, nowMs int64) (int, error)

	// MarkMissingDeleted tombstones every non-tombstoned row for
	// sourceDevice whose id is not in liveIDs. Must be called with an
	// open Tx.
	MarkMissingDeleted(ctx context.Context, tx Tx, sourceDevice string, liveIDs []string, nowMs int64) (int, error)

	// PurgeDeletedBefore permanently removes tombstoned rows across every
	// source with LocalUpdatedMs < cutoffMs. May be called outside a
	// transaction.
	PurgeDeletedBefore(ctx context.Context, cutoffMs int64) (int, error)

	// ListActiveContacts returns non-tombstoned rows for sourceDevice,
	// optionally filtered by a case-insensitive display_name prefix,
	// ordered by display_name (case-insensitive) then external_contact_id,
	// truncated to limit when limit > 0. Does not require a transaction.
	ListActiveContacts(ctx context.Context, sourceDevice string, namePrefix string, limit int) ([]model.Contact, error)

	// GetSyncState returns the sync state for sourceDevice, or ok=false if
	// none exists. Does not require a transaction.
	GetSyncState(ctx context.Context, sourceDevice string) (state model.SyncState, ok bool, err error)

	// UpsertSyncState creates or overwrites the sync state row for
	// sourceDevice. Must be called with an open Tx.
	UpsertSyncState(ctx context.Context, tx Tx, sourceDevice string, state model.SyncState) error

	// CountActiveContacts returns the number of non-tombstoned rows for
	// sourceDevice. Does not require a transaction.
	CountActiveContacts(ctx context.Context, sourceDevice string) (int, error)

	// ListKnownSources returns every distinct source_device with at least
	// one row (tombstoned or not) or a sync-state entry. Plumbing for the
	// purge loop, not part of the sync-correctness surface.
	ListKnownSources(ctx context.Context) ([]string, error)
}
