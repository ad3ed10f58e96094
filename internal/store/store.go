// Package store persists users and VM records.
//
// Records never carry a status: status is derived from the hypervisor on
// every read. Each mutation is a single transaction, so readers never observe
// a partially written record. Authorization is the caller's job; the store
// returns whatever it is asked for.
package store

import (
	"context"
	"fmt"

	"github.com/jbweber/kiln/api/v1alpha1"
)

// Store is the durable record store.
type Store interface {
	// CreateUser adds a user.
	// Returns v1alpha1.ErrUserAlreadyExists if the username is taken.
	CreateUser(ctx context.Context, username string, role v1alpha1.Role) (*v1alpha1.User, error)

	// GetUser returns the user with id or v1alpha1.ErrUserNotFound.
	GetUser(ctx context.Context, id int64) (*v1alpha1.User, error)

	// GetUserByName returns the named user or v1alpha1.ErrUserNotFound.
	GetUserByName(ctx context.Context, username string) (*v1alpha1.User, error)

	// ListUsers returns all users ordered by username.
	ListUsers(ctx context.Context) ([]v1alpha1.User, error)

	// CreateVM inserts rec, assigning ID and CreatedAt when unset.
	// Returns v1alpha1.ErrDuplicateName if the name is taken and
	// v1alpha1.ErrUserNotFound if the owner does not exist.
	CreateVM(ctx context.Context, rec *v1alpha1.VMRecord) error

	// FindVM returns the named record with OwnerName filled in.
	// Returns nil and false if no record exists.
	FindVM(ctx context.Context, name string) (*v1alpha1.VMRecord, bool, error)

	// ListVMs returns all records ordered by name.
	ListVMs(ctx context.Context) ([]v1alpha1.VMRecord, error)

	// ListVMsForOwner returns the records owned by ownerID ordered by name.
	ListVMsForOwner(ctx context.Context, ownerID int64) ([]v1alpha1.VMRecord, error)

	// DeleteVM removes the named record. Deleting a missing record is not an error.
	DeleteVM(ctx context.Context, name string) error

	// Close releases any resources held by the store.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Backend string `yaml:"backend"`

	// Path is the database file (sqlite) or directory (badger).
	Path string `yaml:"path"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// Open opens the configured backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendSQLite:
		return NewSQLiteStore(SQLiteConfig{DatabasePath: cfg.Path})
	case BackendBadger:
		return NewBadgerStore(cfg.Path)
	case BackendPostgres:
		return NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q (valid: sqlite, badger, postgres)", cfg.Backend)
	}
}
