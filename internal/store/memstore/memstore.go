// Package memstore is an in-memory Store implementation used by the sync
// engine's own tests and by any caller that doesn't need durability. A
// transaction is realized as a deep-copy working set, separate from the
// live tables: every write inside the transaction mutates only that
// working copy, so concurrent reads against the live tables see the
// pre-commit state for the whole lifetime of the transaction. Commit
// swaps the working copy in as the new live state under the store's
// mutex; anything else (a dropped Tx, an explicit Rollback) just
// discards it, which is what gives aborted transactions their "store
// state equals the pre-begin snapshot" property for free.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/autosync/contactcache/internal/model"
	"github.com/autosync/contactcache/internal/store"
)

var foldCase = cases.Fold(language.Und)

type contactKey struct {
	sourceDevice string
	externalID   string
}

// Store implements store.Store entirely in memory, guarded by a single
// mutex. Not optimized for throughput; optimized for being a faithful,
// easy-to-audit reference for tests.
type Store struct {
	mu         sync.Mutex
	contacts   map[contactKey]model.Contact
	syncStates map[string]model.SyncState
	txActive   bool
	// working is the in-progress transaction's private copy. Tx-scoped
	// writes land here, never in contacts/syncStates directly, so readers
	// taking mu without a Tx always see the last committed state.
	working *snapshot
}

type snapshot struct {
	contacts   map[contactKey]model.Contact
	syncStates map[string]model.SyncState
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		contacts:   make(map[contactKey]model.Contact),
		syncStates: make(map[string]model.SyncState),
	}
}

// Compile-time assertion that Store satisfies the store.Store contract.
var _ store.Store = (*Store)(nil)

// tx is the handle returned by BeginTransaction. It carries only its parent
// Store and a done flag; the working copy and the active-transaction flag
// live on the parent Store and are guarded by its mutex, which each call
// takes for its own duration.
type tx struct {
	s    *Store
	done bool
}

func (t *tx) Commit(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return &store.ProgrammingError{Op: "Commit", Err: store.ErrNoActiveTransaction}
	}
	t.done = true
	t.s.contacts = t.s.working.contacts
	t.s.syncStates = t.s.working.syncStates
	t.s.working = nil
	t.s.txActive = false
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.s.working = nil
	t.s.txActive = false
	return nil
}

func (s *Store) BeginTransaction(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txActive {
		return nil, &store.ProgrammingError{Op: "BeginTransaction", Err: store.ErrNestedTransaction}
	}
	s.txActive = true
	s.working = &snapshot{
		contacts:   cloneContacts(s.contacts),
		syncStates: cloneSyncStates(s.syncStates),
	}
	return &tx{s: s}, nil
}

func (s *Store) requireTx(op string, t store.Tx) (*tx, error) {
	mt, ok := t.(*tx)
	if !ok || mt == nil || mt.s != s || mt.done || !s.txActive || mt.s.working == nil {
		return nil, &store.ProgrammingError{Op: op, Err: store.ErrNoActiveTransaction}
	}
	return mt, nil
}

func (s *Store) UpsertContact(ctx context.Context, t store.Tx, sourceDevice string, c model.Contact, nowMs int64) (model.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.requireTx("UpsertContact", t); err != nil {
		return 0, err
	}
	contacts := s.working.contacts

	key := contactKey{sourceDevice: sourceDevice, externalID: c.ExternalContactID}
	existing, found := contacts[key]
	if !found {
		c.LocalUpdatedMs = nowMs
		c.Deleted = false
		contacts[key] = c
		return model.Inserted, nil
	}

	if c.Stale(existing) {
		return model.StaleIgnored, nil
	}

	if !existing.Deleted && existing.Equal(c) {
		return model.Unchanged, nil
	}

	c.LocalUpdatedMs = nowMs
	c.Deleted = false
	contacts[key] = c
	return model.Updated, nil
}

func (s *Store) MarkDeleted(ctx context.Context, t store.Tx, sourceDevice string, ids []string, nowMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.requireTx("MarkDeleted", t); err != nil {
		return 0, err
	}
	contacts := s.working.contacts

	count := 0
	for _, id := range ids {
		key := contactKey{sourceDevice: sourceDevice, externalID: id}
		existing, found := contacts[key]
		if !found || existing.Deleted {
			continue
		}
		existing.Deleted = true
		existing.LocalUpdatedMs = nowMs
		contacts[key] = existing
		count++
	}
	return count, nil
}

func (s *Store) MarkMissingDeleted(ctx context.Context, t store.Tx, sourceDevice string, liveIDs []string, nowMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.requireTx("MarkMissingDeleted", t); err != nil {
		return 0, err
	}
	contacts := s.working.contacts

	live := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = struct{}{}
	}

	count := 0
	for key, c := range contacts {
		if key.sourceDevice != sourceDevice || c.Deleted {
			continue
		}
		if _, ok := live[key.externalID]; ok {
			continue
		}
		c.Deleted = true
		c.LocalUpdatedMs = nowMs
		contacts[key] = c
		count++
	}
	return count, nil
}

func (s *Store) PurgeDeletedBefore(ctx context.Context, cutoffMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, c := range s.contacts {
		if c.Deleted && c.LocalUpdatedMs < cutoffMs {
			delete(s.contacts, key)
			count++
		}
	}
	return count, nil
}

func (s *Store) ListActiveContacts(ctx context.Context, sourceDevice string, namePrefix string, limit int) ([]model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	foldedPrefix := foldCase.String(namePrefix)
	out := make([]model.Contact, 0)
	for key, c := range s.contacts {
		if key.sourceDevice != sourceDevice || c.Deleted {
			continue
		}
		if foldedPrefix != "" && !strings.HasPrefix(foldCase.String(c.DisplayName), foldedPrefix) {
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		ni, nj := foldCase.String(out[i].DisplayName), foldCase.String(out[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return out[i].ExternalContactID < out[j].ExternalContactID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetSyncState(ctx context.Context, sourceDevice string) (model.SyncState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.syncStates[sourceDevice]
	return state, ok, nil
}

func (s *Store) UpsertSyncState(ctx context.Context, t store.Tx, sourceDevice string, state model.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.requireTx("UpsertSyncState", t); err != nil {
		return err
	}
	s.working.syncStates[sourceDevice] = state
	return nil
}

func (s *Store) CountActiveContacts(ctx context.Context, sourceDevice string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key, c := range s.contacts {
		if key.sourceDevice == sourceDevice && !c.Deleted {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListKnownSources(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for key := range s.contacts {
		seen[key.sourceDevice] = struct{}{}
	}
	for source := range s.syncStates {
		seen[source] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for source := range seen {
		out = append(out, source)
	}
	sort.Strings(out)
	return out, nil
}

func cloneContacts(in map[contactKey]model.Contact) map[contactKey]model.Contact {
	out := make(map[contactKey]model.Contact, len(in))
	for k, v := range in {
		v.Phones = append([]string(nil), v.Phones...)
		v.Emails = append([]string(nil), v.Emails...)
		out[k] = v
	}
	return out
}

func cloneSyncStates(in map[string]model.SyncState) map[string]model.SyncState {
	out := make(map[string]model.SyncState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
