package manifest

import (
	"errors"
	"fmt"

	"github.com/aalhour/epochkv/internal/compression"
	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/encoding"
)

var (
	// ErrUnexpectedEndOfInput is returned when a record is truncated.
	ErrUnexpectedEndOfInput = errors.New("manifest: unexpected end of input")

	// ErrUnknownTag is returned for an unknown tag without the ignore bit.
	ErrUnknownTag = errors.New("manifest: unknown tag")
)

// EncodeTo serializes the delta.
func (d *VersionDelta) EncodeTo() []byte {
	var dst []byte
	dst = encoding.AppendVarint32(dst, uint32(TagDeltaID))
	dst = encoding.AppendVarint64(dst, d.ID)
	if d.Epoch != dbformat.NoEpoch {
		dst = encoding.AppendVarint32(dst, uint32(TagEpoch))
		dst = encoding.AppendVarint64(dst, uint64(d.Epoch))
	}
	dst = encoding.AppendVarint32(dst, uint32(TagReason))
	dst = append(dst, byte(d.Reason))
	if d.NextTableID != 0 {
		dst = encoding.AppendVarint32(dst, uint32(TagNextTableID))
		dst = encoding.AppendVarint64(dst, uint64(d.NextTableID))
	}
	for i := range d.Groups {
		dst = encoding.AppendVarint32(dst, uint32(TagGroup))
		dst = encoding.AppendLengthPrefixedSlice(dst, d.Groups[i].encode())
	}
	return dst
}

func (g *GroupDelta) encode() []byte {
	var dst []byte
	dst = encoding.AppendVarint32(dst, uint32(TagGroupID))
	dst = encoding.AppendVarint32(dst, uint32(g.GroupID))
	if g.NewGroup != nil {
		dst = encoding.AppendVarint32(dst, uint32(TagNewGroup))
		dst = encoding.AppendLengthPrefixedSlice(dst, encodeGroupConfig(g.NewGroup))
	}
	if !g.ConfigUpdate.Empty() {
		dst = encoding.AppendVarint32(dst, uint32(TagConfigUpdate))
		dst = encoding.AppendLengthPrefixedSlice(dst, encodeConfigUpdate(g.ConfigUpdate))
	}
	if g.HasKeyRanges {
		dst = encoding.AppendVarint32(dst, uint32(TagSetKeyRanges))
		dst = encoding.AppendLengthPrefixedSlice(dst, appendKeyRanges(nil, g.SetKeyRanges))
	}
	for _, t := range g.AddedTables {
		dst = encoding.AppendVarint32(dst, uint32(TagAddedTable))
		dst = encoding.AppendLengthPrefixedSlice(dst, EncodeTableMeta(t))
	}
	for _, r := range g.RemovedTables {
		dst = encoding.AppendVarint32(dst, uint32(TagRemovedTable))
		dst = encoding.AppendVarint32(dst, uint32(r.Level))
		dst = encoding.AppendVarint64(dst, uint64(r.ID))
	}
	return dst
}

// DecodeFrom parses a delta produced by EncodeTo.
func (d *VersionDelta) DecodeFrom(data []byte) error {
	*d = VersionDelta{}
	s := encoding.NewSlice(data)
	for s.Remaining() > 0 {
		tagVal, ok := s.GetVarint32()
		if !ok {
			return ErrUnexpectedEndOfInput
		}
		switch tag := Tag(tagVal); tag {
		case TagDeltaID:
			if d.ID, ok = s.GetVarint64(); !ok {
				return ErrUnexpectedEndOfInput
			}
		case TagEpoch:
			v, ok := s.GetVarint64()
			if !ok {
				return ErrUnexpectedEndOfInput
			}
			d.Epoch = dbformat.Epoch(v)
		case TagReason:
			b, ok := s.GetByte()
			if !ok {
				return ErrUnexpectedEndOfInput
			}
			d.Reason = Reason(b)
		case TagNextTableID:
			v, ok := s.GetVarint64()
			if !ok {
				return ErrUnexpectedEndOfInput
			}
			d.NextTableID = TableID(v)
		case TagGroup:
			body, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return ErrUnexpectedEndOfInput
			}
			var g GroupDelta
			if err := g.decode(body); err != nil {
				return err
			}
			d.Groups = append(d.Groups, g)
		default:
			if err := skipField(s, tag); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *GroupDelta) decode(data []byte) error {
	s := encoding.NewSlice(data)
	for s.Remaining() > 0 {
		tagVal, ok := s.GetVarint32()
		if !ok {
			return ErrUnexpectedEndOfInput
		}
		switch tag := Tag(tagVal); tag {
		case TagGroupID:
			v, ok := s.GetVarint32()
			if !ok {
				return ErrUnexpectedEndOfInput
			}
			g.GroupID = GroupID(v)
		case TagNewGroup:
			body, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return ErrUnexpectedEndOfInput
			}
			cfg, err := decodeGroupConfig(body)
			if err != nil {
				return err
			}
			g.NewGroup = cfg
		case TagConfigUpdate:
			body, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return ErrUnexpectedEndOfInput
			}
			u, err := decodeConfigUpdate(body)
			if err != nil {
				return err
			}
			g.ConfigUpdate = u
		case TagSetKeyRanges:
			body, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return ErrUnexpectedEndOfInput
			}
			rs, err := decodeKeyRanges(encoding.NewSlice(body))
			if err != nil {
				return err
			}
			g.SetKeyRanges, g.HasKeyRanges = rs, true
		case TagAddedTable:
			body, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return ErrUnexpectedEndOfInput
			}
			m, err := DecodeTableMeta(body)
			if err != nil {
				return err
			}
			g.AddedTables = append(g.AddedTables, m)
		case TagRemovedTable:
			level, ok1 := s.GetVarint32()
			id, ok2 := s.GetVarint64()
			if !ok1 || !ok2 {
				return ErrUnexpectedEndOfInput
			}
			g.RemovedTables = append(g.RemovedTables, RemovedTable{Level: int(level), ID: TableID(id)})
		default:
			if err := skipField(s, tag); err != nil {
				return err
			}
		}
	}
	for _, t := range g.AddedTables {
		t.GroupID = g.GroupID
	}
	return nil
}

func skipField(s *encoding.Slice, tag Tag) error {
	if !tag.IsSafeToIgnore() {
		return fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	if _, ok := s.GetLengthPrefixedSlice(); !ok {
		return ErrUnexpectedEndOfInput
	}
	return nil
}

// EncodeTableMeta serializes m in a fixed field order.
func EncodeTableMeta(m *TableMeta) []byte {
	var dst []byte
	dst = encoding.AppendVarint64(dst, uint64(m.ID))
	dst = encoding.AppendVarint32(dst, uint32(m.Level))
	dst = encoding.AppendLengthPrefixedSlice(dst, m.Smallest)
	dst = encoding.AppendLengthPrefixedSlice(dst, m.Largest)
	dst = encoding.AppendVarint64(dst, uint64(m.MinEpoch))
	dst = encoding.AppendVarint64(dst, uint64(m.MaxEpoch))
	dst = encoding.AppendVarint64(dst, m.Size)
	dst = encoding.AppendVarint64(dst, m.NumEntries)
	dst = encoding.AppendVarint64(dst, m.NumDeletions)
	dst = encoding.AppendVarint32(dst, uint32(m.GroupID))
	return dst
}

// DecodeTableMeta parses a record produced by EncodeTableMeta.
func DecodeTableMeta(data []byte) (*TableMeta, error) {
	s := encoding.NewSlice(data)
	m := &TableMeta{}
	id, ok := s.GetVarint64()
	level, ok2 := s.GetVarint32()
	if !ok || !ok2 {
		return nil, ErrUnexpectedEndOfInput
	}
	m.ID, m.Level = TableID(id), int(level)
	if m.Smallest, ok = s.GetLengthPrefixedSlice(); !ok {
		return nil, ErrUnexpectedEndOfInput
	}
	if m.Largest, ok = s.GetLengthPrefixedSlice(); !ok {
		return nil, ErrUnexpectedEndOfInput
	}
	var vals [5]uint64
	for i := range vals {
		if vals[i], ok = s.GetVarint64(); !ok {
			return nil, ErrUnexpectedEndOfInput
		}
	}
	m.MinEpoch, m.MaxEpoch = dbformat.Epoch(vals[0]), dbformat.Epoch(vals[1])
	m.Size, m.NumEntries, m.NumDeletions = vals[2], vals[3], vals[4]
	g, ok := s.GetVarint32()
	if !ok {
		return nil, ErrUnexpectedEndOfInput
	}
	m.GroupID = GroupID(g)
	return m, nil
}

func encodeGroupConfig(c *GroupConfig) []byte {
	var dst []byte
	dst = encoding.AppendVarint32(dst, uint32(c.ID))
	dst = encoding.AppendLengthPrefixedSlice(dst, []byte(c.Name))
	dst = appendKeyRanges(dst, c.KeyRanges)
	dst = encoding.AppendVarint64(dst, c.LevelSizeBase)
	dst = encoding.AppendVarint64(dst, c.LevelSizeMultiplier)
	dst = encoding.AppendVarint32(dst, uint32(c.LevelCount))
	dst = encoding.AppendVarint32(dst, uint32(c.L0FileTrigger))
	dst = encoding.AppendVarint64(dst, c.TargetFileSize)
	dst = append(dst, byte(c.Compression))
	return dst
}

func decodeGroupConfig(data []byte) (*GroupConfig, error) {
	s := encoding.NewSlice(data)
	c := &GroupConfig{}
	id, ok := s.GetVarint32()
	if !ok {
		return nil, ErrUnexpectedEndOfInput
	}
	c.ID = GroupID(id)
	name, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return nil, ErrUnexpectedEndOfInput
	}
	c.Name = string(name)
	rs, err := decodeKeyRanges(s)
	if err != nil {
		return nil, err
	}
	c.KeyRanges = rs
	base, ok1 := s.GetVarint64()
	mult, ok2 := s.GetVarint64()
	levels, ok3 := s.GetVarint32()
	trigger, ok4 := s.GetVarint32()
	target, ok5 := s.GetVarint64()
	comp, ok6 := s.GetByte()
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return nil, ErrUnexpectedEndOfInput
	}
	c.LevelSizeBase, c.LevelSizeMultiplier = base, mult
	c.LevelCount, c.L0FileTrigger = int(levels), int(trigger)
	c.TargetFileSize, c.Compression = target, compression.Type(comp)
	return c, nil
}

func encodeConfigUpdate(u *ConfigUpdate) []byte {
	var dst []byte
	if u.LevelSizeBase != nil {
		dst = encoding.AppendVarint32(dst, uint32(cfgLevelSizeBase))
		dst = encoding.AppendVarint64(dst, *u.LevelSizeBase)
	}
	if u.LevelSizeMultiplier != nil {
		dst = encoding.AppendVarint32(dst, uint32(cfgLevelSizeMultiplier))
		dst = encoding.AppendVarint64(dst, *u.LevelSizeMultiplier)
	}
	if u.L0FileTrigger != nil {
		dst = encoding.AppendVarint32(dst, uint32(cfgL0FileTrigger))
		dst = encoding.AppendVarint64(dst, uint64(*u.L0FileTrigger))
	}
	if u.TargetFileSize != nil {
		dst = encoding.AppendVarint32(dst, uint32(cfgTargetFileSize))
		dst = encoding.AppendVarint64(dst, *u.TargetFileSize)
	}
	if u.LevelCount != nil {
		dst = encoding.AppendVarint32(dst, uint32(cfgLevelCount))
		dst = encoding.AppendVarint64(dst, uint64(*u.LevelCount))
	}
	if u.Compression != nil {
		dst = encoding.AppendVarint32(dst, uint32(cfgCompression))
		dst = encoding.AppendVarint64(dst, uint64(*u.Compression))
	}
	return dst
}

func decodeConfigUpdate(data []byte) (*ConfigUpdate, error) {
	s := encoding.NewSlice(data)
	u := &ConfigUpdate{}
	for s.Remaining() > 0 {
		f, ok1 := s.GetVarint32()
		v, ok2 := s.GetVarint64()
		if !ok1 || !ok2 {
			return nil, ErrUnexpectedEndOfInput
		}
		switch configField(f) {
		case cfgLevelSizeBase:
			u.LevelSizeBase = &v
		case cfgLevelSizeMultiplier:
			u.LevelSizeMultiplier = &v
		case cfgL0FileTrigger:
			n := int(v)
			u.L0FileTrigger = &n
		case cfgTargetFileSize:
			u.TargetFileSize = &v
		case cfgLevelCount:
			n := int(v)
			u.LevelCount = &n
		case cfgCompression:
			t := compression.Type(v)
			u.Compression = &t
		default:
			return nil, fmt.Errorf("%w: config field %d", ErrUnknownTag, f)
		}
	}
	return u, nil
}

// Key ranges: varint count, then per range start, an end-present byte and
// the end key when present.
func appendKeyRanges(dst []byte, rs []dbformat.KeyRange) []byte {
	dst = encoding.AppendVarint32(dst, uint32(len(rs)))
	for _, r := range rs {
		dst = encoding.AppendLengthPrefixedSlice(dst, r.Start)
		if r.End == nil {
			dst = append(dst, 0)
			continue
		}
		dst = append(dst, 1)
		dst = encoding.AppendLengthPrefixedSlice(dst, r.End)
	}
	return dst
}

func decodeKeyRanges(s *encoding.Slice) ([]dbformat.KeyRange, error) {
	n, ok := s.GetVarint32()
	if !ok {
		return nil, ErrUnexpectedEndOfInput
	}
	rs := make([]dbformat.KeyRange, 0, n)
	for i := uint32(0); i < n; i++ {
		var r dbformat.KeyRange
		if r.Start, ok = s.GetLengthPrefixedSlice(); !ok {
			return nil, ErrUnexpectedEndOfInput
		}
		hasEnd, ok := s.GetByte()
		if !ok {
			return nil, ErrUnexpectedEndOfInput
		}
		if hasEnd == 1 {
			if r.End, ok = s.GetLengthPrefixedSlice(); !ok {
				return nil, ErrUnexpectedEndOfInput
			}
			if r.End == nil {
				r.End = []byte{}
			}
		}
		rs = append(rs, r)
	}
	return rs, nil
}
