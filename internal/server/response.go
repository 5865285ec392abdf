package server

import (
	"github.com/aalhour/epochkv"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EpochResponse reports the committed epoch after a flush.
type EpochResponse struct {
	Epoch uint64 `json:"epoch"`
}

// LevelResponse describes one level of a group.
type LevelResponse struct {
	Level  int    `json:"level"`
	Tables int    `json:"tables"`
	Bytes  uint64 `json:"bytes"`
}

// ConfigResponse is the wire form of a group's compaction config.
type ConfigResponse struct {
	KeyRanges           []string `json:"key_ranges,omitempty"`
	LevelSizeBase       uint64   `json:"level_size_base"`
	LevelSizeMultiplier uint64   `json:"level_size_multiplier"`
	LevelCount          int      `json:"level_count"`
	L0FileTrigger       int      `json:"l0_file_trigger"`
	TargetFileSize      uint64   `json:"target_file_size"`
	Compression         string   `json:"compression"`
}

// GroupResponse describes one compaction group.
type GroupResponse struct {
	ID     uint32          `json:"id"`
	Name   string          `json:"name"`
	Size   uint64          `json:"size"`
	Tables int             `json:"tables"`
	Levels []LevelResponse `json:"levels"`
	Config ConfigResponse  `json:"config"`
	Failed bool            `json:"failed,omitempty"`
}

// ConfigUpdateRequest changes the non-nil fields of the listed groups.
type ConfigUpdateRequest struct {
	Groups              []uint32 `json:"groups"`
	LevelSizeBase       *uint64  `json:"level_size_base,omitempty"`
	LevelSizeMultiplier *uint64  `json:"level_size_multiplier,omitempty"`
	LevelCount          *int     `json:"level_count,omitempty"`
	L0FileTrigger       *int     `json:"l0_file_trigger,omitempty"`
	TargetFileSize      *uint64  `json:"target_file_size,omitempty"`
	Compression         *string  `json:"compression,omitempty"`
}

func newGroupResponse(g epochkv.GroupInfo) GroupResponse {
	resp := GroupResponse{
		ID:     uint32(g.ID),
		Name:   g.Name,
		Size:   g.Size,
		Tables: g.Tables,
		Levels: make([]LevelResponse, 0, len(g.Levels)),
		Config: ConfigResponse{
			LevelSizeBase:       g.Config.LevelSizeBase,
			LevelSizeMultiplier: g.Config.LevelSizeMultiplier,
			LevelCount:          g.Config.LevelCount,
			L0FileTrigger:       g.Config.L0FileTrigger,
			TargetFileSize:      g.Config.TargetFileSize,
			Compression:         g.Config.Compression.String(),
		},
		Failed: g.Failed,
	}
	for _, l := range g.Levels {
		resp.Levels = append(resp.Levels, LevelResponse{Level: l.Level, Tables: l.Tables, Bytes: l.Bytes})
	}
	for _, r := range g.Config.KeyRanges {
		resp.Config.KeyRanges = append(resp.Config.KeyRanges, r.String())
	}
	return resp
}
