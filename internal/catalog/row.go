package catalog

import (
	"fmt"
	"math"

	"github.com/aalhour/epochkv/internal/encoding"
)

// rowFormat is the first byte of every encoded row.
const rowFormat = 1

// A row is encoded as rowFormat followed by (varint column id, type, value)
// for every non-NULL column. Decoding keeps only the requested ids, so a
// reader bound to fewer columns ignores the rest and a reader bound to more
// sees NULL for columns the row predates.

// EncodeRow encodes the non-NULL values of row, which must be in the order
// of cols and already normalized by normalize.
func EncodeRow(cols []Column, row []any) []byte {
	buf := []byte{rowFormat}
	for i, c := range cols {
		v := row[i]
		if v == nil {
			continue
		}
		buf = encoding.AppendVarint32(buf, uint32(c.ID))
		buf = append(buf, byte(c.Type))
		switch c.Type {
		case TypeInt:
			n := v.(int64)
			buf = encoding.AppendVarint64(buf, uint64(n<<1)^uint64(n>>63))
		case TypeReal:
			buf = encoding.AppendFixed64(buf, math.Float64bits(v.(float64)))
		case TypeVarchar:
			buf = encoding.AppendLengthPrefixedSlice(buf, []byte(v.(string)))
		}
	}
	return buf
}

// DecodeRow returns the values of ids in data, NULL where absent.
func DecodeRow(data []byte, ids []ColumnID) ([]any, error) {
	want := make(map[ColumnID]int, len(ids))
	for i, id := range ids {
		want[id] = i
	}
	out := make([]any, len(ids))
	s := encoding.NewSlice(data)
	if f, ok := s.GetByte(); !ok || f != rowFormat {
		return nil, fmt.Errorf("%w: unknown row format", ErrCorruptRow)
	}
	for s.Remaining() > 0 {
		id, ok := s.GetVarint32()
		if !ok {
			return nil, fmt.Errorf("%w: column id", ErrCorruptRow)
		}
		t, ok := s.GetByte()
		if !ok {
			return nil, fmt.Errorf("%w: column %d type", ErrCorruptRow, id)
		}
		var v any
		switch DataType(t) {
		case TypeInt:
			u, ok2 := s.GetVarint64()
			ok = ok2
			v = int64(u>>1) ^ -int64(u&1)
		case TypeReal:
			u, ok2 := s.GetFixed64()
			ok = ok2
			v = math.Float64frombits(u)
		case TypeVarchar:
			b, ok2 := s.GetLengthPrefixedSlice()
			ok = ok2
			v = string(b)
		default:
			return nil, fmt.Errorf("%w: column %d has type %d", ErrCorruptRow, id, t)
		}
		if !ok {
			return nil, fmt.Errorf("%w: column %d value", ErrCorruptRow, id)
		}
		if i, ok := want[ColumnID(id)]; ok {
			out[i] = v
		}
	}
	return out, nil
}

// normalize checks row against cols and converts Go numeric types to the
// canonical int64 and float64.
func normalize(cols []Column, row []any) ([]any, error) {
	if len(row) != len(cols) {
		return nil, fmt.Errorf("%w: %d values for %d columns", ErrInvalidRow, len(row), len(cols))
	}
	out := make([]any, len(row))
	for i, c := range cols {
		v := row[i]
		if v == nil {
			if c.PrimaryKey {
				return nil, fmt.Errorf("%w: primary key %q is NULL", ErrInvalidRow, c.Name)
			}
			continue
		}
		var ok bool
		switch c.Type {
		case TypeInt:
			out[i], ok = asInt(v)
		case TypeReal:
			out[i], ok = asReal(v)
		case TypeVarchar:
			out[i], ok = v.(string)
		}
		if !ok {
			return nil, fmt.Errorf("%w: column %q of type %s got %T", ErrInvalidRow, c.Name, c.Type, v)
		}
	}
	return out, nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func asReal(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

// rowKey builds the key of a row: the table prefix followed by either the
// order-preserving primary key or the big-endian row id.
func rowKey(t *Table, row []any, rowID uint64) []byte {
	key := KeyPrefix(t.ID)
	pk := t.PrimaryKey()
	if pk < 0 {
		return encoding.AppendBigEndian64(key, rowID)
	}
	switch v := row[pk].(type) {
	case int64:
		return encoding.AppendBigEndian64(key, uint64(v)^(1<<63))
	case string:
		return append(key, v...)
	}
	panic(fmt.Sprintf("catalog: unsupported primary key value %T", row[pk]))
}
