package query

import (
	"sort"
	"strings"

	"github.com/kdimtricp/mediadex/internal/models"
)

// DefaultLimit caps result sets when the caller does not pick a TopN.
const DefaultLimit = 500

// AllModels disables model filtering.
const AllModels = "All"

// SortOrder selects result ordering. Unsorted preserves the input order.
type SortOrder int

const (
	Unsorted SortOrder = iota
	ConfidenceDesc
	ConfidenceAsc
)

// Filter is the conjunctive predicate plus presentation options applied over
// a store snapshot. Nil bounds mean unbounded.
type Filter struct {
	MinConfidence *float64
	MaxConfidence *float64
	Model         string // "" or AllModels disables the model check
	Search        string // case-insensitive substring over text and label
	Sort          SortOrder
	TopN          int // <= 0 means DefaultLimit
}

// Apply filters, sorts and truncates the given records. It is a pure
// function of its inputs; the passed slice is not mutated.
func Apply(records []models.MediaRecord, f Filter) []models.MediaRecord {
	out := make([]models.MediaRecord, 0, len(records))
	for _, rec := range records {
		if matches(&rec, &f) {
			out = append(out, rec)
		}
	}

	switch f.Sort {
	case ConfidenceDesc:
		sort.SliceStable(out, func(i, j int) bool {
			return confidence(&out[i]) > confidence(&out[j])
		})
	case ConfidenceAsc:
		sort.SliceStable(out, func(i, j int) bool {
			return confidence(&out[i]) < confidence(&out[j])
		})
	}

	limit := f.TopN
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matches(rec *models.MediaRecord, f *Filter) bool {
	if f.MinConfidence != nil && (rec.Confidence == nil || *rec.Confidence < *f.MinConfidence) {
		return false
	}
	if f.MaxConfidence != nil && (rec.Confidence == nil || *rec.Confidence > *f.MaxConfidence) {
		return false
	}
	if f.Model != "" && f.Model != AllModels {
		if rec.ModelName == nil || *rec.ModelName != f.Model {
			return false
		}
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		var haystack strings.Builder
		if rec.ExtractedText != nil {
			haystack.WriteString(strings.ToLower(*rec.ExtractedText))
		}
		if rec.Label != nil {
			haystack.WriteString(" ")
			haystack.WriteString(strings.ToLower(*rec.Label))
		}
		if !strings.Contains(haystack.String(), needle) {
			return false
		}
	}
	return true
}

func confidence(rec *models.MediaRecord) float64 {
	if rec.Confidence == nil {
		return -1
	}
	return *rec.Confidence
}
