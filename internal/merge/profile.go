// Package merge fuses clusters that mention the same entities at nearly the
// same time into coarse event groups.
package merge

import (
	"time"

	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/models"
)

// Profile aggregates what the members of one cluster talk about and when.
type Profile struct {
	ID   int
	Size int
	// Entities counts entity surface forms over all members.
	Entities map[string]int
	// Linked counts entities that were linked to a knowledge base.
	Linked     map[string]int
	GPEs       map[string]int
	EventTypes map[string]int
	// Dates counts members per start date (YYYY-MM-DD).
	Dates map[string]int
	Start time.Time
	End   time.Time
}

func newProfile(id int) *Profile {
	return &Profile{
		ID:         id,
		Entities:   map[string]int{},
		Linked:     map[string]int{},
		GPEs:       map[string]int{},
		EventTypes: map[string]int{},
		Dates:      map[string]int{},
	}
}

func (p *Profile) add(rec *models.NewsRecord) {
	if p.Size == 0 || rec.StartDate.Before(p.Start) {
		p.Start = rec.StartDate
	}
	if p.Size == 0 || rec.StartDate.After(p.End) {
		p.End = rec.StartDate
	}
	p.Size++
	p.Dates[rec.StartDate.Format(models.DateLayout)]++
	p.EventTypes[rec.EventType]++

	if rec.Entities == nil {
		return
	}
	for form := range rec.Entities.Types {
		p.Entities[form]++
	}
	for form := range rec.Entities.Links {
		p.Linked[form]++
	}
	for _, form := range rec.Entities.GPEs() {
		p.GPEs[form]++
	}
}

// KeyEntities returns the entities mentioned at least minCount times.
func (p *Profile) KeyEntities(minCount int) map[string]struct{} {
	out := make(map[string]struct{})
	for form, n := range p.Entities {
		if n >= minCount {
			out[form] = struct{}{}
		}
	}
	return out
}

// Profiles builds one profile per cluster id in column, ordered by the first
// record that carries the id.
func Profiles(t *dataset.Table, column string) []*Profile {
	byID := map[int]*Profile{}
	var out []*Profile
	for _, rec := range t.Records {
		id, ok := rec.ClusterID(column)
		if !ok {
			continue
		}
		p, seen := byID[id]
		if !seen {
			p = newProfile(id)
			byID[id] = p
			out = append(out, p)
		}
		p.add(rec)
	}
	return out
}

// Similarity is the share of the larger set that both sets have in common,
// zero when both are empty.
func Similarity(a, b map[string]struct{}) float64 {
	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}
	if larger == 0 {
		return 0
	}
	common := 0
	for k := range a {
		if _, ok := b[k]; ok {
			common++
		}
	}
	return float64(common) / float64(larger)
}

// Distance is the number of whole days between two date spans, zero when they
// overlap or one contains the other.
func Distance(aStart, aEnd, bStart, bEnd time.Time) int {
	switch {
	case aEnd.Before(bStart):
		return days(bStart.Sub(aEnd))
	case bEnd.Before(aStart):
		return days(aStart.Sub(bEnd))
	default:
		return 0
	}
}

func days(d time.Duration) int {
	return int(d.Hours() / 24)
}
