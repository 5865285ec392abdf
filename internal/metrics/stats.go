package metrics

import "time"

// ReadStats accumulates counters for one read. It is not safe for
// concurrent use; each read owns its own instance and reports it once.
type ReadStats struct {
	DataBlockTotal     uint64
	DataBlockMiss      uint64
	MetaTotal          uint64
	MetaMiss           uint64
	BloomTrueNegative  uint64
	BloomMightPositive uint64
	ProcessedKeys      uint64
	SkippedKeys        uint64
	RemoteIO           time.Duration
}

// Merge adds o into s.
func (s *ReadStats) Merge(o *ReadStats) {
	if s == nil || o == nil {
		return
	}
	s.DataBlockTotal += o.DataBlockTotal
	s.DataBlockMiss += o.DataBlockMiss
	s.MetaTotal += o.MetaTotal
	s.MetaMiss += o.MetaMiss
	s.BloomTrueNegative += o.BloomTrueNegative
	s.BloomMightPositive += o.BloomMightPositive
	s.ProcessedKeys += o.ProcessedKeys
	s.SkippedKeys += o.SkippedKeys
	s.RemoteIO += o.RemoteIO
}
