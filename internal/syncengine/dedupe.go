package syncengine

import (
	"github.com/autosync/contactcache/internal/model"
	"github.com/autosync/contactcache/internal/normalize"
)

// normalizeAndDedupe walks raw in order, normalizing each record and
// folding duplicates down to whichever is "preferred" under the same
// version-then-timestamp rule the store's upsert uses — so applying the
// deduped set sequentially yields the same end state as applying the raw
// batch one record at a time would have. invalidDropped counts records
// the normalizer refused outright (blank external_contact_id).
func normalizeAndDedupe(raw []model.RawContact, limits model.CacheLimits) (deduped []model.Contact, invalidDropped int) {
	order := make([]string, 0, len(raw))
	byID := make(map[string]model.Contact, len(raw))

	for _, r := range raw {
		c, ok := normalize.Contact(r, limits)
		if !ok {
			invalidDropped++
			continue
		}
		existing, found := byID[c.ExternalContactID]
		if !found {
			order = append(order, c.ExternalContactID)
			byID[c.ExternalContactID] = c
			continue
		}
		if c.Preferred(existing) {
			byID[c.ExternalContactID] = c
		}
	}

	deduped = make([]model.Contact, 0, len(order))
	for _, id := range order {
		deduped = append(deduped, byID[id])
	}
	return deduped, invalidDropped
}
