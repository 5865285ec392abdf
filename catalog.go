package epochkv

import (
	"context"

	"github.com/aalhour/epochkv/internal/catalog"
	"github.com/aalhour/epochkv/internal/manifest"
)

// Catalog holds table and materialized view definitions over the engine.
type Catalog = catalog.Catalog

// ColumnDef describes a column to create.
type ColumnDef = catalog.ColumnDef

// Column data types.
const (
	TypeInt     = catalog.TypeInt
	TypeReal    = catalog.TypeReal
	TypeVarchar = catalog.TypeVarchar
)

// OpenCatalog loads the catalog persisted in the engine's object store.
func (db *DB) OpenCatalog(ctx context.Context) (*Catalog, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return catalog.Open(ctx, catalog.Options{
		Store:  db.store,
		Engine: catalogEngine{db},
		Logger: db.logger,
	})
}

type catalogEngine struct{ db *DB }

func (e catalogEngine) Put(key, value []byte) (Epoch, error) { return e.db.Put(key, value) }

func (e catalogEngine) CommittedEpoch() Epoch { return e.db.CommittedEpoch() }

func (e catalogEngine) Scan(ctx context.Context, lower, upper []byte, epoch Epoch, fn func(key, value []byte) error) error {
	it, err := e.db.newIterator(ctx, &ReadOptions{Epoch: epoch, LowerBound: lower, UpperBound: upper}, "select")
	if err != nil {
		return err
	}
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func (e catalogEngine) CreateGroup(ctx context.Context, name string, r KeyRange) (manifest.GroupID, error) {
	return e.db.CreateCompactionGroup(ctx, name, nil, []KeyRange{r})
}
