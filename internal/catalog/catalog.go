package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/objstore"
)

// ObjectPath is where the catalog is persisted.
const ObjectPath = "catalog/catalog.json"

// rowIDBatch is the number of row ids reserved per catalog write.
const rowIDBatch = 1024

// Engine is the subset of the storage engine the catalog writes rows to and
// reads them from.
type Engine interface {
	// Put writes key in the open epoch and returns that epoch.
	Put(key, value []byte) (dbformat.Epoch, error)

	// Scan calls fn for every visible key in [lower, upper) at epoch e, in
	// key order. NoEpoch reads the latest committed epoch.
	Scan(ctx context.Context, lower, upper []byte, e dbformat.Epoch, fn func(key, value []byte) error) error

	// CommittedEpoch returns the highest committed epoch.
	CommittedEpoch() dbformat.Epoch

	// CreateGroup creates a compaction group claiming r.
	CreateGroup(ctx context.Context, name string, r dbformat.KeyRange) (manifest.GroupID, error)
}

// Options configures a Catalog.
type Options struct {
	Store  objstore.Store
	Engine Engine
	Logger logging.Logger
}

type state struct {
	NextRelationID RelationID `json:"next_relation_id"`
	Tables         []*Table   `json:"tables"`
	Views          []*View    `json:"views"`
}

func (s *state) clone() *state {
	c := &state{NextRelationID: s.NextRelationID}
	for _, t := range s.Tables {
		c.Tables = append(c.Tables, t.clone())
	}
	for _, v := range s.Views {
		c.Views = append(c.Views, v.clone())
	}
	return c
}

func (s *state) table(name string) *Table {
	for _, t := range s.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (s *state) tableByID(id RelationID) *Table {
	for _, t := range s.Tables {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *state) view(name string) *View {
	for _, v := range s.Views {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// Catalog holds table and view definitions. DDL is serialized and persisted
// before it takes effect.
type Catalog struct {
	store  objstore.Store
	eng    Engine
	logger logging.Logger

	mu     sync.RWMutex
	st     *state
	nextID map[RelationID]uint64
}

// Open loads the catalog from opts.Store, or starts an empty one.
func Open(ctx context.Context, opts Options) (*Catalog, error) {
	c := &Catalog{
		store:  opts.Store,
		eng:    opts.Engine,
		logger: logging.OrDefault(opts.Logger),
		st:     &state{NextRelationID: 1},
		nextID: make(map[RelationID]uint64),
	}
	data, err := c.store.Get(ctx, ObjectPath)
	switch {
	case objstore.IsNotFound(err):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("catalog: load: %w", err)
	}
	if err := json.Unmarshal(data, c.st); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", ObjectPath, err)
	}
	// Ids below the persisted ceiling may have been handed out before a
	// restart, so allocation resumes at the ceiling.
	for _, t := range c.st.Tables {
		c.nextID[t.ID] = t.RowIDCeiling
	}
	c.logger.Infof(logging.NSCatalog+"loaded %d tables and %d views", len(c.st.Tables), len(c.st.Views))
	return c, nil
}

// update applies fn to a copy of the state, persists the copy and installs
// it. Nothing changes if fn or the write fails. c.mu must be held.
func (c *Catalog) update(ctx context.Context, fn func(s *state) error) error {
	next := c.st.clone()
	if err := fn(next); err != nil {
		return err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("catalog: encode: %w", err)
	}
	if err := c.store.Put(ctx, ObjectPath, data); err != nil {
		return fmt.Errorf("catalog: persist: %w", err)
	}
	c.st = next
	return nil
}

func (c *Catalog) nameTaken(s *state, name string) bool {
	return s.table(name) != nil || s.view(name) != nil
}

// CreateTable creates a table. At most one column may be the primary key
// and it must be an int or a varchar.
func (c *Catalog) CreateTable(ctx context.Context, name string, cols []ColumnDef) (*Table, error) {
	if name == "" || len(cols) == 0 {
		return nil, fmt.Errorf("%w: a table needs a name and at least one column", ErrInvalidSchema)
	}
	seen := make(map[string]bool)
	pks := 0
	for _, cd := range cols {
		if seen[cd.Name] {
			return nil, fmt.Errorf("%w: %q", ErrColumnExists, cd.Name)
		}
		seen[cd.Name] = true
		if cd.Type < TypeInt || cd.Type > TypeVarchar {
			return nil, fmt.Errorf("%w: column %q has no type", ErrInvalidSchema, cd.Name)
		}
		if cd.PrimaryKey {
			pks++
			if cd.Type == TypeReal {
				return nil, fmt.Errorf("%w: primary key %q cannot be real", ErrInvalidSchema, cd.Name)
			}
		}
	}
	if pks > 1 {
		return nil, fmt.Errorf("%w: composite primary keys are not supported", ErrInvalidSchema)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var created *Table
	err := c.update(ctx, func(s *state) error {
		if c.nameTaken(s, name) {
			return fmt.Errorf("%w: %q", ErrRelationExists, name)
		}
		epoch := c.eng.CommittedEpoch()
		t := &Table{ID: s.NextRelationID, Name: name, NextColumnID: 1}
		for _, cd := range cols {
			t.Columns = append(t.Columns, Column{
				ID: t.NextColumnID, Name: cd.Name, Type: cd.Type,
				PrimaryKey: cd.PrimaryKey, AddedEpoch: epoch,
			})
			t.NextColumnID++
		}
		s.NextRelationID++
		s.Tables = append(s.Tables, t)
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.nextID[created.ID] = 0
	c.logger.Infof(logging.NSCatalog+"created table %q (id %d, %d columns)", name, created.ID, len(cols))
	return created.clone(), nil
}

// CreateMaterializedView creates a view over base, a table or another view.
// The view is bound to base's columns as of now.
func (c *Catalog) CreateMaterializedView(ctx context.Context, name, base string) (*View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var created *View
	err := c.update(ctx, func(s *state) error {
		if c.nameTaken(s, name) {
			return fmt.Errorf("%w: %q", ErrRelationExists, name)
		}
		v := &View{ID: s.NextRelationID, Name: name, CreatedEpoch: c.eng.CommittedEpoch()}
		switch t, bv := s.table(base), s.view(base); {
		case t != nil:
			v.BaseTable = t.ID
			for _, col := range t.Columns {
				v.Columns = append(v.Columns, col.ID)
			}
		case bv != nil:
			v.BaseTable = bv.BaseTable
			v.Columns = append([]ColumnID(nil), bv.Columns...)
		default:
			return fmt.Errorf("%w: %q", ErrRelationNotFound, base)
		}
		s.NextRelationID++
		s.Views = append(s.Views, v)
		created = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Infof(logging.NSCatalog+"created materialized view %q over %q with %d columns", name, base, len(created.Columns))
	return created.clone(), nil
}

// AddColumn appends a column to a table. Rows written before it read NULL
// for the column; views created before it never see it.
func (c *Catalog) AddColumn(ctx context.Context, relation string, cd ColumnDef) (*Column, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var added Column
	err := c.update(ctx, func(s *state) error {
		t := s.table(relation)
		if t == nil {
			if s.view(relation) != nil {
				return fmt.Errorf("%w: %q is a materialized view", ErrNotAlterable, relation)
			}
			return fmt.Errorf("%w: %q", ErrRelationNotFound, relation)
		}
		if cd.PrimaryKey {
			return fmt.Errorf("%w: %q", ErrCannotAlterPrimaryKey, relation)
		}
		if _, ok := t.column(cd.Name); ok {
			return fmt.Errorf("%w: %q.%q", ErrColumnExists, relation, cd.Name)
		}
		if cd.Type < TypeInt || cd.Type > TypeVarchar {
			return fmt.Errorf("%w: column %q has no type", ErrInvalidSchema, cd.Name)
		}
		added = Column{ID: t.NextColumnID, Name: cd.Name, Type: cd.Type, AddedEpoch: c.eng.CommittedEpoch()}
		t.Columns = append(t.Columns, added)
		t.NextColumnID++
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Infof(logging.NSCatalog+"added column %q %s to %q", cd.Name, cd.Type, relation)
	return &added, nil
}

// Table returns a copy of a table definition.
func (c *Catalog) Table(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := c.st.table(name)
	if t == nil {
		return nil, fmt.Errorf("%w: %q", ErrRelationNotFound, name)
	}
	return t.clone(), nil
}

// View returns a copy of a view definition.
func (c *Catalog) View(name string) (*View, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := c.st.view(name)
	if v == nil {
		return nil, fmt.Errorf("%w: %q", ErrRelationNotFound, name)
	}
	return v.clone(), nil
}

// Relations returns the names of every table and view, sorted.
func (c *Catalog) Relations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for _, t := range c.st.Tables {
		names = append(names, t.Name)
	}
	for _, v := range c.st.Views {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return names
}

// IsolateTable moves a table's key range into a compaction group of its
// own. Existing data is not rewritten. Isolating a table twice returns the
// group it already has.
func (c *Catalog) IsolateTable(ctx context.Context, name string) (manifest.GroupID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.st.table(name)
	if t == nil {
		if c.st.view(name) != nil {
			return 0, fmt.Errorf("%w: %q is a materialized view", ErrNotAlterable, name)
		}
		return 0, fmt.Errorf("%w: %q", ErrRelationNotFound, name)
	}
	if t.Group != manifest.DefaultGroupID {
		return t.Group, nil
	}
	id, err := c.eng.CreateGroup(ctx, "table:"+name, KeyRange(t.ID))
	if err != nil {
		return 0, fmt.Errorf("catalog: isolate %q: %w", name, err)
	}
	err = c.update(ctx, func(s *state) error {
		s.table(name).Group = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.logger.Infof(logging.NSCatalog+"table %q isolated in compaction group %d", name, id)
	return id, nil
}
