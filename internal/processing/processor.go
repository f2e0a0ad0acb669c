package processing

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DeafMist/event-dedup/internal/models"
)

// TitleDelimiter separates headline segments such as site-name boilerplate.
const TitleDelimiter = "|"

var whitespace = regexp.MustCompile(`\s+`)

// CleanTitle unescapes HTML entities and squeezes whitespace.
func CleanTitle(input string) string {
	if input == "" {
		return ""
	}
	decoded := html.UnescapeString(input)
	decoded = whitespace.ReplaceAllString(decoded, " ")
	return strings.TrimSpace(decoded)
}

// LongestSegment returns the longest "|"-separated part of title, counted in
// characters. The first part wins ties. Titles without the delimiter are
// returned unchanged.
func LongestSegment(title string) string {
	if !strings.Contains(title, TitleDelimiter) {
		return title
	}
	best, bestLen := "", -1
	for _, part := range strings.Split(title, TitleDelimiter) {
		if n := utf8.RuneCountInString(part); n > bestLen {
			best, bestLen = part, n
		}
	}
	return best
}

// DedupeKeepLast drops records whose title repeats later in the slice, so the
// last occurrence of every title survives. Survivors keep their relative order.
func DedupeKeepLast(records []*models.NewsRecord) []*models.NewsRecord {
	last := make(map[string]int, len(records))
	for i, rec := range records {
		last[rec.Title] = i
	}
	out := make([]*models.NewsRecord, 0, len(last))
	for i, rec := range records {
		if last[rec.Title] == i {
			out = append(out, rec)
		}
	}
	return out
}

// NormalizeTitles strips stick-delimited boilerplate from every title and then
// deduplicates by exact title. Records are modified in place.
func NormalizeTitles(records []*models.NewsRecord) []*models.NewsRecord {
	for _, rec := range records {
		rec.Title = LongestSegment(rec.Title)
	}
	return DedupeKeepLast(records)
}

// BuildDocumentID hashes the title and date to form deterministic IDs.
func BuildDocumentID(title string, date time.Time) string {
	s := sha1.Sum([]byte(title + "|" + date.UTC().Format(models.DateLayout)))
	return hex.EncodeToString(s[:])
}

var dateFormats = []string{
	models.DateLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"20060102150405",
	"20060102",
}

// ParseDate accepts the date layouts GDELT exports and the crawler emits and
// truncates the result to a UTC calendar date.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, f := range dateFormats {
		if ts, err := time.Parse(f, raw); err == nil {
			y, m, d := ts.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
