package store

import (
	"context"

	"github.com/devrev/pairdb/replication/internal/model"
)

// StateStore persists the ServerState of each replication domain
type StateStore interface {
	// LoadServerState returns the last saved state, empty when none was saved
	LoadServerState(ctx context.Context, domainID string) (*model.ServerState, error)
	SaveServerState(ctx context.Context, domainID string, state *model.ServerState) error
	Close() error
}

// EntryStore is the directory backend the replication domain applies changes to.
// Entries are keyed by normalized DN; returned entries are copies.
type EntryStore interface {
	Get(ctx context.Context, dn string) (*model.Entry, error)
	Put(ctx context.Context, entry *model.Entry) error
	Delete(ctx context.Context, dn string) error
	Rename(ctx context.Context, oldDN, newDN string) error
	FindByUUID(ctx context.Context, entryUUID string) (*model.Entry, error)
	List(ctx context.Context) ([]*model.Entry, error)
	Close() error
}
