package table

import (
	"bytes"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/manifest"
)

// Output is one finished table awaiting upload.
type Output struct {
	Meta *manifest.TableMeta
	Data []byte
}

// SplitWriter builds a run of tables for one group and level, starting a
// new table once the current one reaches the target size. All versions of a
// user key land in the same table.
type SplitWriter struct {
	opts   BuilderOptions
	group  manifest.GroupID
	level  int
	target uint64
	newID  func() manifest.TableID

	cur     *Builder
	outputs []Output
	bytes   uint64
}

// NewSplitWriter creates a SplitWriter. newID is called once per finished
// table.
func NewSplitWriter(opts BuilderOptions, group manifest.GroupID, level int, target uint64, newID func() manifest.TableID) *SplitWriter {
	return &SplitWriter{opts: opts, group: group, level: level, target: target, newID: newID}
}

// Add appends an entry. Keys must arrive in dbformat.Compare order.
func (w *SplitWriter) Add(key dbformat.FullKey, value []byte) error {
	if w.cur != nil && w.cur.EstimatedSize() >= w.target &&
		!bytes.Equal(w.cur.LastUserKey(), key.UserKey()) {
		if err := w.finishCurrent(); err != nil {
			return err
		}
	}
	if w.cur == nil {
		w.cur = NewBuilder(w.opts)
	}
	return w.cur.Add(key, value)
}

func (w *SplitWriter) finishCurrent() error {
	data, meta, err := w.cur.Finish(w.newID(), w.group)
	w.cur = nil
	if err != nil {
		return err
	}
	meta.Level = w.level
	w.outputs = append(w.outputs, Output{Meta: meta, Data: data})
	w.bytes += meta.Size
	return nil
}

// Finish completes the last table and returns every output in key order.
func (w *SplitWriter) Finish() ([]Output, error) {
	if w.cur != nil {
		if err := w.finishCurrent(); err != nil {
			return nil, err
		}
	}
	return w.outputs, nil
}

// Bytes returns the size of the finished outputs.
func (w *SplitWriter) Bytes() uint64 { return w.bytes }
