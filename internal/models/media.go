package models

import (
	"fmt"
	"strings"
)

// MediaRecord is a scanned image with optional inference results.
// A record is "unprocessed" until the inference adapter has run over it at
// least once; after that ExtractedText is set (possibly to an error marker)
// and Label/Confidence/ModelName are set together or not at all.
type MediaRecord struct {
	ID            int64    `json:"id"`
	SourceURI     string   `json:"source_uri"`
	DisplayName   string   `json:"display_name"`
	DateAdded     int64    `json:"date_added"`
	ExtractedText *string  `json:"extracted_text,omitempty"`
	Label         *string  `json:"label,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	ModelName     *string  `json:"model_name,omitempty"`
}

// Processed reports whether the record has been through the inference adapter.
func (r MediaRecord) Processed() bool {
	return r.ExtractedText != nil
}

// VideoFrame is a single frame sampled out of a source video. Frames are
// immutable once written except for their inference fields.
type VideoFrame struct {
	ID            int64    `json:"id"`
	VideoID       int64    `json:"video_id"`
	FrameURI      string   `json:"frame_uri"`
	TimestampMs   int64    `json:"frame_timestamp_ms"`
	DateAdded     int64    `json:"date_added"`
	ExtractedText *string  `json:"extracted_text,omitempty"`
	Label         *string  `json:"label,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	ModelName     *string  `json:"model_name,omitempty"`
}

// Tag is a word derived from extracted text with its corpus-wide frequency.
// Tags are computed on demand and never persisted.
type Tag struct {
	Word      string `json:"word"`
	Frequency int    `json:"frequency"`
}

// ScanMode selects how the scan operation sources its items.
type ScanMode int

const (
	ScanAllDevice ScanMode = iota
	ScanMultiple
	ScanSingle
)

func (m ScanMode) String() string {
	switch m {
	case ScanAllDevice:
		return "all_device"
	case ScanMultiple:
		return "multiple"
	case ScanSingle:
		return "single"
	default:
		return fmt.Sprintf("scan_mode(%d)", int(m))
	}
}

// ParseScanMode maps a mode name to a ScanMode, defaulting to ScanMultiple
// for unknown input to match the settings store default.
func ParseScanMode(s string) ScanMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all_device", "all":
		return ScanAllDevice
	case "single":
		return ScanSingle
	default:
		return ScanMultiple
	}
}

// MediaKind distinguishes image and video worklists.
type MediaKind int

const (
	KindImage MediaKind = iota
	KindVideo
)

func (k MediaKind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "image"
}
