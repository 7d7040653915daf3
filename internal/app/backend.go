package app

import (
	"context"
	"errors"
	"fmt"

	"sitesync/internal/store"
	"sitesync/internal/store/memstore"
	"sitesync/internal/store/sqlitestore"
	logx "sitesync/pkg/logx"
)

// ErrReadOnlyBackend is returned by Put on backends that cannot be written
// from outside the process.
var ErrReadOnlyBackend = errors.New("store backend does not accept writes")

// Backend is the document store the daemon connects to.
type Backend struct {
	Driver  string
	Factory store.Factory

	put   func(ctx context.Context, path string, data map[string]any) error
	close func() error
}

// Put writes a document directly to the backing store.
func (b *Backend) Put(ctx context.Context, path string, data map[string]any) error {
	if b == nil || b.put == nil {
		return ErrReadOnlyBackend
	}
	return b.put(ctx, path, data)
}

func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// OpenBackend opens the store named by driver.
func OpenBackend(driver string, cfg sqlitestore.Config, log logx.Logger) (*Backend, error) {
	switch driver {
	case "", "memory":
		db := memstore.NewDB()
		return &Backend{
			Driver:  "memory",
			Factory: memstore.NewFactory(db),
			put: func(ctx context.Context, path string, data map[string]any) error {
				db.Put(path, data)
				return nil
			},
		}, nil
	case "sqlite":
		db, err := sqlitestore.Open(cfg, log)
		if err != nil {
			return nil, err
		}
		return &Backend{Driver: "sqlite", Factory: db.Factory(), put: db.Put, close: db.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
