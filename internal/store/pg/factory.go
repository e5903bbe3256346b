package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Messages:   NewPGMessageStore(db),
		Contacts:   NewPGContactStore(db),
		Pending:    NewPGPendingStore(db),
		Deliveries: NewPGDeliveryLogStore(db),
		DB:         db,
	}, nil
}
