package arbor

// This file names the consumed interface shapes of spec §6 that this
// module does not implement: persistence/storage adapters and the
// server-side sync transports they would sit behind (HTTP, WebSocket,
// CDC). Those are out of scope (spec.md §1 Non-goals) — only the shapes
// a hypothetical adapter would satisfy are defined here, so downstream
// code can depend on a stable interface without this module growing a
// browser localStorage/sessionStorage/cross-tab dependency it has no way
// to exercise.

// StorageRecord is the persisted envelope a StorageApi-backed collection
// would round-trip per key: a version marker plus the stored value,
// letting a cross-instance storage event tell an update from a no-op by
// comparing VersionKey (spec §6.3).
type StorageRecord struct {
	VersionKey string
	Data       any
}

// StorageEvent mirrors a single storage-change notification a StorageApi
// implementation would deliver to registered listeners (spec §6.3's
// `addEventListener('storage', fn)`), carrying enough of the DOM
// StorageEvent shape to diff the old/new persisted records.
type StorageEvent struct {
	Key      string
	OldValue *string
	NewValue *string
}

// StorageApi is the minimal storage surface a persistence adapter
// (localStorage, sessionStorage, or an equivalent) would implement (spec
// §6.3). No implementation ships in this module.
type StorageApi interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string) error
	RemoveItem(key string) error

	AddEventListener(kind string, fn func(StorageEvent))
	RemoveEventListener(kind string, fn func(StorageEvent))
}
