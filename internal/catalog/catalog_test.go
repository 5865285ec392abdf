package catalog

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/objstore"
)

// memEngine keeps the latest value of every key and treats each write as
// immediately committed.
type memEngine struct {
	mu     sync.Mutex
	epoch  dbformat.Epoch
	rows   map[string][]byte
	groups []dbformat.KeyRange
}

func newMemEngine() *memEngine {
	return &memEngine{epoch: 1, rows: make(map[string][]byte)}
}

func (e *memEngine) Put(key, value []byte) (dbformat.Epoch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows[string(key)] = append([]byte(nil), value...)
	e.epoch++
	return e.epoch, nil
}

func (e *memEngine) Scan(ctx context.Context, lower, upper []byte, _ dbformat.Epoch, fn func(key, value []byte) error) error {
	e.mu.Lock()
	var keys []string
	for k := range e.rows {
		if bytes.Compare([]byte(k), lower) >= 0 && (upper == nil || bytes.Compare([]byte(k), upper) < 0) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = e.rows[k]
	}
	e.mu.Unlock()
	for i, k := range keys {
		if err := fn([]byte(k), values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *memEngine) CommittedEpoch() dbformat.Epoch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

func (e *memEngine) CreateGroup(_ context.Context, _ string, r dbformat.KeyRange) (manifest.GroupID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups = append(e.groups, r)
	return manifest.GroupID(len(e.groups)), nil
}

func openCatalog(t *testing.T, store objstore.Store, eng Engine) *Catalog {
	t.Helper()
	c, err := Open(context.Background(), Options{Store: store, Engine: eng, Logger: logging.Discard})
	require.NoError(t, err)
	return c
}

func selectRows(t *testing.T, c *Catalog, relation string) [][]any {
	t.Helper()
	res, err := c.Select(context.Background(), relation, nil)
	require.NoError(t, err)
	return res.Rows
}

func TestViewsKeepColumnsBoundAtCreation(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t, objstore.NewMemStore(), newMemEngine())

	_, err := c.CreateTable(ctx, "t", []ColumnDef{{Name: "v", Type: TypeInt}})
	require.NoError(t, err)
	_, err = c.CreateMaterializedView(ctx, "mv", "t")
	require.NoError(t, err)
	_, err = c.AddColumn(ctx, "t", ColumnDef{Name: "r", Type: TypeReal})
	require.NoError(t, err)
	_, err = c.CreateMaterializedView(ctx, "mv2", "t")
	require.NoError(t, err)
	_, err = c.AddColumn(ctx, "t", ColumnDef{Name: "s", Type: TypeVarchar})
	require.NoError(t, err)
	_, err = c.CreateMaterializedView(ctx, "mv3", "t")
	require.NoError(t, err)

	_, err = c.Insert(ctx, "t", []any{1, 1.1, "a"})
	require.NoError(t, err)

	assert.Equal(t, [][]any{{int64(1)}}, selectRows(t, c, "mv"))
	assert.Equal(t, [][]any{{int64(1), 1.1}}, selectRows(t, c, "mv2"))
	assert.Equal(t, [][]any{{int64(1), 1.1, "a"}}, selectRows(t, c, "mv3"))
	assert.Equal(t, [][]any{{int64(1), 1.1, "a"}}, selectRows(t, c, "t"))

	res, err := c.Select(ctx, "mv2", nil)
	require.NoError(t, err)
	require.Len(t, res.Columns, 2)
	assert.Equal(t, "v", res.Columns[0].Name)
	assert.Equal(t, "r", res.Columns[1].Name)
}

func TestAddColumnErrors(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t, objstore.NewMemStore(), newMemEngine())
	_, err := c.CreateTable(ctx, "t", []ColumnDef{{Name: "v", Type: TypeInt}})
	require.NoError(t, err)
	_, err = c.CreateMaterializedView(ctx, "mv", "t")
	require.NoError(t, err)

	tests := []struct {
		name     string
		relation string
		col      ColumnDef
		want     error
		message  string
	}{
		{"duplicate column", "t", ColumnDef{Name: "v", Type: TypeInt}, ErrColumnExists, "column already exists"},
		{"primary key", "t", ColumnDef{Name: "id", Type: TypeInt, PrimaryKey: true}, ErrCannotAlterPrimaryKey, "cannot alter primary key"},
		{"materialized view", "mv", ColumnDef{Name: "r", Type: TypeReal}, ErrNotAlterable, "not alterable"},
		{"unknown relation", "nope", ColumnDef{Name: "r", Type: TypeReal}, ErrRelationNotFound, "relation not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.AddColumn(ctx, tt.relation, tt.col)
			require.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	tbl, err := c.Table("t")
	require.NoError(t, err)
	assert.Len(t, tbl.Columns, 1, "failed DDL leaves the table unchanged")
}

func TestRowsWrittenBeforeAddColumnReadNull(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t, objstore.NewMemStore(), newMemEngine())
	_, err := c.CreateTable(ctx, "t", []ColumnDef{{Name: "v", Type: TypeInt}})
	require.NoError(t, err)
	_, err = c.Insert(ctx, "t", []any{7})
	require.NoError(t, err)
	_, err = c.AddColumn(ctx, "t", ColumnDef{Name: "s", Type: TypeVarchar})
	require.NoError(t, err)
	_, err = c.Insert(ctx, "t", []any{8, "x"})
	require.NoError(t, err)

	assert.Equal(t, [][]any{{int64(7), nil}, {int64(8), "x"}}, selectRows(t, c, "t"))
}

func TestCreateTableValidation(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t, objstore.NewMemStore(), newMemEngine())
	_, err := c.CreateTable(ctx, "t", []ColumnDef{{Name: "v", Type: TypeInt}})
	require.NoError(t, err)

	tests := []struct {
		name  string
		table string
		cols  []ColumnDef
		want  error
	}{
		{"no columns", "a", nil, ErrInvalidSchema},
		{"duplicate column", "a", []ColumnDef{{Name: "x", Type: TypeInt}, {Name: "x", Type: TypeReal}}, ErrColumnExists},
		{"composite key", "a", []ColumnDef{{Name: "x", Type: TypeInt, PrimaryKey: true}, {Name: "y", Type: TypeInt, PrimaryKey: true}}, ErrInvalidSchema},
		{"real key", "a", []ColumnDef{{Name: "x", Type: TypeReal, PrimaryKey: true}}, ErrInvalidSchema},
		{"missing type", "a", []ColumnDef{{Name: "x"}}, ErrInvalidSchema},
		{"name taken", "t", []ColumnDef{{Name: "x", Type: TypeInt}}, ErrRelationExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateTable(ctx, tt.table, tt.cols)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err = c.CreateMaterializedView(ctx, "t", "t")
	require.ErrorIs(t, err, ErrRelationExists)
	_, err = c.CreateMaterializedView(ctx, "mv", "nope")
	require.ErrorIs(t, err, ErrRelationNotFound)
}

func TestInsertValidation(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t, objstore.NewMemStore(), newMemEngine())
	_, err := c.CreateTable(ctx, "t", []ColumnDef{
		{Name: "id", Type: TypeInt, PrimaryKey: true},
		{Name: "name", Type: TypeVarchar},
	})
	require.NoError(t, err)
	_, err = c.CreateMaterializedView(ctx, "mv", "t")
	require.NoError(t, err)

	_, err = c.Insert(ctx, "t", []any{1})
	require.ErrorIs(t, err, ErrInvalidRow)
	_, err = c.Insert(ctx, "t", []any{"one", "x"})
	require.ErrorIs(t, err, ErrInvalidRow)
	_, err = c.Insert(ctx, "t", []any{nil, "x"})
	require.ErrorIs(t, err, ErrInvalidRow)
	_, err = c.Insert(ctx, "mv", []any{1, "x"})
	require.ErrorIs(t, err, ErrNotAlterable)
	_, err = c.Insert(ctx, "nope", []any{1, "x"})
	require.ErrorIs(t, err, ErrRelationNotFound)
}

func TestPrimaryKeyOrderAndUpsert(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t, objstore.NewMemStore(), newMemEngine())
	_, err := c.CreateTable(ctx, "t", []ColumnDef{
		{Name: "id", Type: TypeInt, PrimaryKey: true},
		{Name: "name", Type: TypeVarchar},
	})
	require.NoError(t, err)

	for _, row := range [][]any{{3, "c"}, {-5, "neg"}, {0, nil}, {3, "c2"}} {
		_, err := c.Insert(ctx, "t", row)
		require.NoError(t, err)
	}
	assert.Equal(t, [][]any{
		{int64(-5), "neg"},
		{int64(0), nil},
		{int64(3), "c2"},
	}, selectRows(t, c, "t"))
}

func TestCatalogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore()
	eng := newMemEngine()
	c := openCatalog(t, store, eng)
	_, err := c.CreateTable(ctx, "t", []ColumnDef{{Name: "v", Type: TypeInt}})
	require.NoError(t, err)
	_, err = c.CreateMaterializedView(ctx, "mv", "t")
	require.NoError(t, err)
	_, err = c.AddColumn(ctx, "t", ColumnDef{Name: "r", Type: TypeReal})
	require.NoError(t, err)
	_, err = c.Insert(ctx, "t", []any{1, 1.5})
	require.NoError(t, err)

	c = openCatalog(t, store, eng)
	assert.Equal(t, []string{"mv", "t"}, c.Relations())
	v, err := c.View("mv")
	require.NoError(t, err)
	assert.Len(t, v.Columns, 1)

	// Row ids resume past the persisted ceiling, so nothing is overwritten.
	_, err = c.Insert(ctx, "t", []any{2, 2.5})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), 1.5}, {int64(2), 2.5}}, selectRows(t, c, "t"))
	assert.Equal(t, [][]any{{int64(1)}, {int64(2)}}, selectRows(t, c, "mv"))
}

func TestFailedPersistLeavesCatalogUnchanged(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewFaultStore(objstore.NewMemStore())
	c := openCatalog(t, store, newMemEngine())

	store.FailPuts("catalog/", 1)
	_, err := c.CreateTable(ctx, "t", []ColumnDef{{Name: "v", Type: TypeInt}})
	require.ErrorIs(t, err, objstore.ErrInjected)
	assert.Empty(t, c.Relations())

	tbl, err := c.CreateTable(ctx, "t", []ColumnDef{{Name: "v", Type: TypeInt}})
	require.NoError(t, err)
	assert.Equal(t, RelationID(1), tbl.ID)
}

func TestIsolateTable(t *testing.T) {
	ctx := context.Background()
	eng := newMemEngine()
	c := openCatalog(t, objstore.NewMemStore(), eng)
	tbl, err := c.CreateTable(ctx, "t", []ColumnDef{{Name: "v", Type: TypeInt}})
	require.NoError(t, err)
	_, err = c.CreateMaterializedView(ctx, "mv", "t")
	require.NoError(t, err)

	id, err := c.IsolateTable(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, manifest.GroupID(1), id)
	require.Len(t, eng.groups, 1)
	assert.Equal(t, KeyRange(tbl.ID), eng.groups[0])

	again, err := c.IsolateTable(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, eng.groups, 1)

	_, err = c.IsolateTable(ctx, "mv")
	require.ErrorIs(t, err, ErrNotAlterable)

	got, err := c.Table("t")
	require.NoError(t, err)
	assert.Equal(t, id, got.Group)
}

func TestRowCodec(t *testing.T) {
	cols := []Column{
		{ID: 1, Name: "i", Type: TypeInt},
		{ID: 2, Name: "r", Type: TypeReal},
		{ID: 4, Name: "s", Type: TypeVarchar},
	}
	data := EncodeRow(cols, []any{int64(-42), nil, "hello"})

	tests := []struct {
		name string
		ids  []ColumnID
		want []any
	}{
		{"all", []ColumnID{1, 2, 4}, []any{int64(-42), nil, "hello"}},
		{"narrower", []ColumnID{4}, []any{"hello"}},
		{"wider", []ColumnID{1, 4, 9}, []any{int64(-42), "hello", nil}},
		{"reordered", []ColumnID{4, 1}, []any{"hello", int64(-42)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRow(data, tt.ids)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DecodeRow([]byte{9}, []ColumnID{1})
	require.ErrorIs(t, err, ErrCorruptRow)
	_, err = DecodeRow(data[:len(data)-2], []ColumnID{1})
	require.ErrorIs(t, err, ErrCorruptRow)
}

func TestDataTypeText(t *testing.T) {
	for _, dt := range []DataType{TypeInt, TypeReal, TypeVarchar} {
		b, err := dt.MarshalText()
		require.NoError(t, err)
		var got DataType
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, dt, got)
	}
	_, err := ParseDataType("blob")
	require.ErrorIs(t, err, ErrInvalidSchema)
}
