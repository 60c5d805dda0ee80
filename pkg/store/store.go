// Package store persists shop lists. Every implementation treats one list,
// including its items, as a single document: UpdateList reads, mutates and
// writes it atomically, which is what makes the lock-check-then-write of the
// lock manager safe against concurrent requests.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

// MutateFunc edits a list in place. Returning an error aborts the update and
// nothing is written.
type MutateFunc func(list *shoplist.List) error

type Store interface {
	CreateList(ctx context.Context, list shoplist.List) (shoplist.List, error)
	GetList(ctx context.Context, listID string) (shoplist.List, error)
	SaveList(ctx context.Context, list shoplist.List) error
	UpdateList(ctx context.Context, listID string, fn MutateFunc) (shoplist.List, error)
	ListsByGroup(ctx context.Context, groupID string) ([]shoplist.List, error)
	DeleteList(ctx context.Context, listID string) error
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the store for driver. dsn is a file path for sqlite and a
// connection URL for postgres; it is ignored for memory.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverSQLite, "sqlite3":
		return OpenSQLite(ctx, dsn)
	case DriverPostgres, "pgx":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func listNotFound(listID string) error {
	return fmt.Errorf("%w: list %s", shoplist.ErrNotFound, listID)
}
