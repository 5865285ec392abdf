package catalog

import (
	"context"
	"fmt"

	"github.com/aalhour/epochkv/internal/dbformat"
)

// SelectOptions selects the snapshot a query reads.
type SelectOptions struct {
	// Epoch is the snapshot epoch; NoEpoch reads the latest committed one.
	Epoch dbformat.Epoch
}

// Result is the output of Select. Rows are in key order and hold int64,
// float64, string or nil values.
type Result struct {
	Columns []Column
	Rows    [][]any
}

// Insert writes one row to a table. Values follow the table's column order;
// nil is NULL. Rows of a table with a primary key overwrite the row with the
// same key. It returns the write epoch holding the row.
func (c *Catalog) Insert(ctx context.Context, table string, row []any) (dbformat.Epoch, error) {
	key, value, err := c.prepareRow(ctx, table, row)
	if err != nil {
		return dbformat.NoEpoch, err
	}
	return c.eng.Put(key, value)
}

func (c *Catalog) prepareRow(ctx context.Context, table string, row []any) (key, value []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.st.table(table)
	if t == nil {
		if c.st.view(table) != nil {
			return nil, nil, fmt.Errorf("%w: cannot insert into materialized view %q", ErrNotAlterable, table)
		}
		return nil, nil, fmt.Errorf("%w: %q", ErrRelationNotFound, table)
	}
	vals, err := normalize(t.Columns, row)
	if err != nil {
		return nil, nil, err
	}
	var rowID uint64
	if t.PrimaryKey() < 0 {
		if rowID, err = c.allocateRowID(ctx, t.ID); err != nil {
			return nil, nil, err
		}
	}
	return rowKey(t, vals, rowID), EncodeRow(t.Columns, vals), nil
}

// allocateRowID hands out the next row id of a table, persisting a new
// ceiling when the reserved batch runs out. c.mu must be held.
func (c *Catalog) allocateRowID(ctx context.Context, id RelationID) (uint64, error) {
	next := c.nextID[id]
	if next >= c.st.tableByID(id).RowIDCeiling {
		err := c.update(ctx, func(s *state) error {
			s.tableByID(id).RowIDCeiling = next + rowIDBatch
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	c.nextID[id] = next + 1
	return next, nil
}

// Select reads every row of a relation at a snapshot. A table projects onto
// its current columns, a view onto the columns bound at its creation.
func (c *Catalog) Select(ctx context.Context, relation string, opts *SelectOptions) (*Result, error) {
	if opts == nil {
		opts = &SelectOptions{}
	}
	c.mu.RLock()
	var (
		base *Table
		cols []Column
	)
	if t := c.st.table(relation); t != nil {
		base = t
		cols = append(cols, t.Columns...)
	} else if v := c.st.view(relation); v != nil {
		base = c.st.tableByID(v.BaseTable)
		if base == nil {
			c.mu.RUnlock()
			return nil, fmt.Errorf("%w: base table %d of view %q", ErrRelationNotFound, v.BaseTable, relation)
		}
		byID := make(map[ColumnID]Column, len(base.Columns))
		for _, col := range base.Columns {
			byID[col.ID] = col
		}
		for _, id := range v.Columns {
			cols = append(cols, byID[id])
		}
	} else {
		c.mu.RUnlock()
		return nil, fmt.Errorf("%w: %q", ErrRelationNotFound, relation)
	}
	r := KeyRange(base.ID)
	c.mu.RUnlock()

	ids := make([]ColumnID, len(cols))
	for i, col := range cols {
		ids[i] = col.ID
	}
	res := &Result{Columns: cols}
	err := c.eng.Scan(ctx, r.Start, r.End, opts.Epoch, func(key, value []byte) error {
		row, err := DecodeRow(value, ids)
		if err != nil {
			return fmt.Errorf("%w: key %x", err, key)
		}
		res.Rows = append(res.Rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
