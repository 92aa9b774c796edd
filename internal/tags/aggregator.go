package tags

import (
	"regexp"
	"sort"
	"strings"

	"github.com/kdimtricp/mediadex/internal/models"
)

// TopTags caps the aggregated vocabulary.
const TopTags = 100

var tokenRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Aggregate derives the tag cloud from a corpus of extracted texts: tokenize
// on non-alphanumeric runs, drop tokens of length <= 2, count occurrences,
// sort by (frequency desc, word asc) and truncate to the top 100. Empty
// texts are skipped. Case is preserved.
func Aggregate(texts []string) []models.Tag {
	return AggregateN(texts, TopTags)
}

// AggregateN is Aggregate with an explicit cap; limit <= 0 means no cap.
func AggregateN(texts []string, limit int) []models.Tag {
	counts := make(map[string]int)
	for _, text := range texts {
		if text == "" {
			continue
		}
		for _, word := range tokenRe.Split(text, -1) {
			if len(word) <= 2 {
				continue
			}
			counts[word]++
		}
	}

	tags := make([]models.Tag, 0, len(counts))
	for word, freq := range counts {
		tags = append(tags, models.Tag{Word: word, Frequency: freq})
	}

	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Frequency != tags[j].Frequency {
			return tags[i].Frequency > tags[j].Frequency
		}
		return tags[i].Word < tags[j].Word
	})

	if limit > 0 && len(tags) > limit {
		tags = tags[:limit]
	}
	return tags
}

// RelatedTags aggregates the tag cloud of an already filtered record subset,
// so a tag selection can surface the words that co-occur with it.
func RelatedTags(records []models.MediaRecord, limit int) []models.Tag {
	texts := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.ExtractedText != nil {
			texts = append(texts, *rec.ExtractedText)
		}
	}
	return AggregateN(texts, limit)
}

// FilterByTags returns the records whose extracted text contains any of the
// selected tag words, case-insensitively. An empty selection returns all
// records unchanged.
func FilterByTags(records []models.MediaRecord, selected []string) []models.MediaRecord {
	if len(selected) == 0 {
		return records
	}

	lowered := make([]string, len(selected))
	for i, s := range selected {
		lowered[i] = strings.ToLower(s)
	}

	var out []models.MediaRecord
	for _, rec := range records {
		if rec.ExtractedText == nil {
			continue
		}
		text := strings.ToLower(*rec.ExtractedText)
		for _, tag := range lowered {
			if strings.Contains(text, tag) {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}
