// Package model holds the plain data types shared by the normalizer, the
// transactional store, and the sync engine. Nothing in this package owns
// state or does I/O.
package model

// CacheLimits bounds the size of any single contact record and of a whole
// per-device cache. All fields are positive integers and are treated as
// immutable for the lifetime of whatever constructed them.
type CacheLimits struct {
	MaxContactsPerDevice int
	MaxPhonesPerContact  int
	MaxEmailsPerContact  int
	MaxDisplayNameChars  int
	MaxPhoneChars        int
	MaxEmailChars        int
	MaxSourceDeviceChars int
	MaxExternalIDChars   int
}

// DefaultCacheLimits are the production defaults for a contact cache.
var DefaultCacheLimits = CacheLimits{
	MaxContactsPerDevice: 50000,
	MaxPhonesPerContact:  20,
	MaxEmailsPerContact:  20,
	MaxDisplayNameChars:  256,
	MaxPhoneChars:        64,
	MaxEmailChars:        320,
	MaxSourceDeviceChars: 128,
	MaxExternalIDChars:   128,
}

// RawContact is an unnormalized contact payload as handed to the engine by
// a source adapter.
type RawContact struct {
	ExternalContactID    string
	DisplayName          string
	Phones               []string
	Emails               []string
	AvatarETag           string
	SourceVersion        int64
	SourceLastModifiedMs int64
}

// Contact is a normalized, cache-resident contact row. Composite identity is
// (SourceDevice, ExternalContactID), which is not itself a field on this
// struct since the store always addresses rows by an explicit source_device
// argument plus this value.
type Contact struct {
	ExternalContactID    string
	DisplayName          string
	Phones               []string
	Emails               []string
	AvatarETag           string
	SourceVersion        int64
	SourceLastModifiedMs int64
	LocalUpdatedMs       int64
	Deleted              bool
}

// Equal reports whether two contacts have identical mutable content, the
// same comparison the store's upsert uses to decide INSERTED/UPDATED vs.
// UNCHANGED. It deliberately ignores LocalUpdatedMs and Deleted.
func (c Contact) Equal(other Contact) bool {
	if c.DisplayName != other.DisplayName ||
		c.AvatarETag != other.AvatarETag ||
		c.SourceVersion != other.SourceVersion ||
		c.SourceLastModifiedMs != other.SourceLastModifiedMs {
		return false
	}
	if len(c.Phones) != len(other.Phones) || len(c.Emails) != len(other.Emails) {
		return false
	}
	for i := range c.Phones {
		if c.Phones[i] != other.Phones[i] {
			return false
		}
	}
	for i := range c.Emails {
		if c.Emails[i] != other.Emails[i] {
			return false
		}
	}
	return true
}

// Preferred reports whether c should replace existing under the
// version-then-timestamp staleness rule shared by intra-batch dedupe and
// the store's upsert: a strictly newer version wins outright; an equal
// version falls back to a later-or-equal source timestamp.
func (c Contact) Preferred(existing Contact) bool {
	if c.SourceVersion != existing.SourceVersion {
		return c.SourceVersion > existing.SourceVersion
	}
	return c.SourceLastModifiedMs >= existing.SourceLastModifiedMs
}

// Stale reports whether a candidate is strictly older than existing under
// the same rule upsert_contact uses to return STALE_IGNORED.
func (c Contact) Stale(existing Contact) bool {
	if c.SourceVersion < existing.SourceVersion {
		return true
	}
	if c.SourceVersion == existing.SourceVersion && c.SourceLastModifiedMs < existing.SourceLastModifiedMs {
		return true
	}
	return false
}

// SyncState is the one-row-per-source_device bookkeeping record.
type SyncState struct {
	LastFullSyncMs         int64
	LastDeltaSyncMs        int64
	LastSyncToken          string
	LastSourceSyncSequence int64
	CacheSchemaVersion     int
}

// SyncMetadata accompanies a sync batch.
type SyncMetadata struct {
	SyncToken               *string
	SourceSyncSequence      int64
	CompleteSnapshot        bool
	AllowSequenceRegression bool
}

// UpsertOutcome is the closed 4-variant result of a single upsert_contact
// call. Treat this as an enum: switch statements over it list every
// variant explicitly. The compiler does not check that a switch covers
// every variant.
type UpsertOutcome int

const (
	Inserted UpsertOutcome = iota
	Updated
	Unchanged
	StaleIgnored
)

func (o UpsertOutcome) String() string {
	switch o {
	case Inserted:
		return "INSERTED"
	case Updated:
		return "UPDATED"
	case Unchanged:
		return "UNCHANGED"
	case StaleIgnored:
		return "STALE_IGNORED"
	default:
		return "UNKNOWN"
	}
}

// SyncSummary tallies the outcome of one apply_full_sync or
// apply_delta_sync call.
type SyncSummary struct {
	Inserted        int
	Updated         int
	Unchanged       int
	Deleted         int
	StaleIgnored    int
	InvalidDropped  int
	PartialSnapshot bool
}

// Apply folds a single upsert outcome into the summary's tallies.
func (s *SyncSummary) Apply(outcome UpsertOutcome) {
	switch outcome {
	case Inserted:
		s.Inserted++
	case Updated:
		s.Updated++
	case Unchanged:
		s.Unchanged++
	case StaleIgnored:
		s.StaleIgnored++
	}
}

// SchemaVersion is the current cache schema version written by every
// successful sync. Bump only when pgstore's DDL changes.
const SchemaVersion = 1
