// Package catalog keeps the table and materialized view definitions that sit
// on top of the engine's key space, and encodes rows so that views bound to
// different column sets read the same stored bytes.
package catalog

import (
	"errors"
	"fmt"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/encoding"
	"github.com/aalhour/epochkv/internal/manifest"
)

// Schema errors. They are returned synchronously and never retried.
var (
	ErrColumnExists          = errors.New("catalog: column already exists")
	ErrCannotAlterPrimaryKey = errors.New("catalog: cannot alter primary key")
	ErrNotAlterable          = errors.New("catalog: not alterable")
	ErrRelationNotFound      = errors.New("catalog: relation not found")
	ErrRelationExists        = errors.New("catalog: relation already exists")
	ErrInvalidSchema         = errors.New("catalog: invalid schema")
	ErrInvalidRow            = errors.New("catalog: invalid row")
	ErrCorruptRow            = errors.New("catalog: corrupt row")
)

// RelationID identifies a table or a view. Table ids prefix every row key.
type RelationID uint32

// ColumnID identifies a column within its table. Ids are never reused.
type ColumnID uint32

// DataType is the type of a column.
type DataType uint8

const (
	TypeInt DataType = iota + 1
	TypeReal
	TypeVarchar
)

func (t DataType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeReal:
		return "real"
	case TypeVarchar:
		return "varchar"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseDataType maps a type name to a DataType.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "int", "integer", "bigint":
		return TypeInt, nil
	case "real", "double", "float":
		return TypeReal, nil
	case "varchar", "text", "string":
		return TypeVarchar, nil
	}
	return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidSchema, s)
}

func (t DataType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *DataType) UnmarshalText(b []byte) error {
	v, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ColumnDef describes a column to create.
type ColumnDef struct {
	Name       string
	Type       DataType
	PrimaryKey bool
}

// Column is a column of a table.
type Column struct {
	ID         ColumnID       `json:"id"`
	Name       string         `json:"name"`
	Type       DataType       `json:"type"`
	PrimaryKey bool           `json:"primary_key,omitempty"`
	AddedEpoch dbformat.Epoch `json:"added_epoch"`
}

// Table is a base relation. Its rows live under the key prefix
// fixed32be(ID).
type Table struct {
	ID           RelationID       `json:"id"`
	Name         string           `json:"name"`
	Columns      []Column         `json:"columns"`
	NextColumnID ColumnID         `json:"next_column_id"`
	RowIDCeiling uint64           `json:"row_id_ceiling"`
	Group        manifest.GroupID `json:"group,omitempty"`
}

// PrimaryKey returns the index of the primary key column, or -1.
func (t *Table) PrimaryKey() int {
	for i := range t.Columns {
		if t.Columns[i].PrimaryKey {
			return i
		}
	}
	return -1
}

func (t *Table) column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t *Table) clone() *Table {
	c := *t
	c.Columns = append([]Column(nil), t.Columns...)
	return &c
}

// View is a materialized view. Columns is the projection of BaseTable bound
// when the view was created; later changes to the table do not touch it.
type View struct {
	ID           RelationID     `json:"id"`
	Name         string         `json:"name"`
	BaseTable    RelationID     `json:"base_table"`
	Columns      []ColumnID     `json:"columns"`
	CreatedEpoch dbformat.Epoch `json:"created_epoch"`
}

func (v *View) clone() *View {
	c := *v
	c.Columns = append([]ColumnID(nil), v.Columns...)
	return &c
}

// KeyPrefix returns the key prefix of a table's rows.
func KeyPrefix(id RelationID) []byte {
	return encoding.AppendBigEndian32(nil, uint32(id))
}

// KeyRange returns the key range holding every row of a table.
func KeyRange(id RelationID) dbformat.KeyRange {
	return dbformat.KeyRange{Start: KeyPrefix(id), End: dbformat.PrefixSuccessor(KeyPrefix(id))}
}
