package store

import "io"

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	Mode        string // "standalone" (SQLite) or "managed" (Postgres)
	PostgresDSN string // managed mode only, from env
	SQLitePath  string // standalone mode only
}

// Stores is the top-level container for all storage backends.
// Every store shares one connection pool so that a read issued after a write
// on the same Stores observes that write.
type Stores struct {
	Messages   MessageStore
	Contacts   ContactStore
	Pending    PendingStore
	Deliveries DeliveryLogStore

	DB io.Closer // underlying pool, closed on shutdown
}

// Close releases the underlying connection pool.
func (s *Stores) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
