// Package readpath is the thin query surface used for search, autocomplete,
// and call-handoff reads. It adds no caching layer above the store — the
// spec is explicit that committed state is the only state a reader ever
// sees — but it does collapse duplicate concurrent cold-start reads for
// the same (source_device, name_prefix, limit) key with singleflight, so
// a burst of callers hitting an unwarmed store at boot doesn't multiply
// the read load.
package readpath

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/autosync/contactcache/internal/model"
	"github.com/autosync/contactcache/internal/store"
)

// Reader exposes the read-only operations the sync engine adds no logic
// above.
type Reader struct {
	Store store.Store
	group singleflight.Group
}

// New constructs a Reader over s.
func New(s store.Store) *Reader {
	return &Reader{Store: s}
}

// ListActiveContacts returns non-tombstoned rows for sourceDevice, in the
// store's (display_name, external_contact_id) order.
func (r *Reader) ListActiveContacts(ctx context.Context, sourceDevice string, namePrefix string, limit int) ([]model.Contact, error) {
	key := strings.Join([]string{sourceDevice, namePrefix, strconv.Itoa(limit)}, "\x00")
	result, err, _ := r.group.Do(key, func() (any, error) {
		return r.Store.ListActiveContacts(ctx, sourceDevice, namePrefix, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]model.Contact), nil
}

// CountActiveContacts returns the number of non-tombstoned rows for
// sourceDevice.
func (r *Reader) CountActiveContacts(ctx context.Context, sourceDevice string) (int, error) {
	return r.Store.CountActiveContacts(ctx, sourceDevice)
}

// GetSyncState returns the sync state for sourceDevice, if any.
func (r *Reader) GetSyncState(ctx context.Context, sourceDevice string) (model.SyncState, bool, error) {
	return r.Store.GetSyncState(ctx, sourceDevice)
}
