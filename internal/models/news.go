package models

import (
	"fmt"
	"math"
	"time"
)

// DateLayout is the calendar-date format used for start_date everywhere.
const DateLayout = "2006-01-02"

// OutOfScope is the event-type label for titles that are not a relevant event.
const OutOfScope = "oos"

// Entities holds the named entities found in a title.
type Entities struct {
	// Types maps a surface form to its NER label (GPE, ORG, ...).
	Types map[string]string `json:"entity_type"`
	// Links maps a surface form to its knowledge-base URL.
	Links map[string]string `json:"linked_entity"`
}

// GPEs returns the surface forms tagged as geo-political entities.
func (e *Entities) GPEs() []string {
	if e == nil {
		return nil
	}
	var out []string
	for form, kind := range e.Types {
		if kind == "GPE" {
			out = append(out, form)
		}
	}
	return out
}

// NewsRecord is one deduplicated news title and everything annotated onto it.
type NewsRecord struct {
	Title     string
	StartDate time.Time
	// EventType is empty until annotated or when the classifier gave no label.
	EventType string
	// Entities is nil until annotated.
	Entities *Entities
	// Clusters holds cluster ids per cluster column. A missing key is a null id.
	Clusters map[string]int
	// Extra carries input columns the pipeline does not interpret.
	Extra map[string]string
}

// ClusterID returns the id under column and whether it is set.
func (r *NewsRecord) ClusterID(column string) (int, bool) {
	id, ok := r.Clusters[column]
	return id, ok
}

// SetCluster assigns id under column.
func (r *NewsRecord) SetCluster(column string, id int) {
	if r.Clusters == nil {
		r.Clusters = make(map[string]int)
	}
	r.Clusters[column] = id
}

// TemporalTitle is the title with its date appended, used by the temporal
// clustering variant.
func (r *NewsRecord) TemporalTitle() string {
	return r.Title + " (" + r.StartDate.Format(DateLayout) + ")"
}

// Clone returns a copy that shares no maps with r.
func (r *NewsRecord) Clone() *NewsRecord {
	c := *r
	if r.Clusters != nil {
		c.Clusters = make(map[string]int, len(r.Clusters))
		for k, v := range r.Clusters {
			c.Clusters[k] = v
		}
	}
	if r.Extra != nil {
		c.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// ClusterParams identifies one community-detection configuration.
type ClusterParams struct {
	MinCommunitySize int     `yaml:"min_size"`
	Threshold        float64 `yaml:"threshold"`
	Temporal         bool    `yaml:"temporal"`
}

// Column is the record column holding this configuration's cluster ids.
func (p ClusterParams) Column() string {
	prefix := "cluster"
	if p.Temporal {
		prefix = "temporal_cluster"
	}
	return fmt.Sprintf("%s_%d_%d", prefix, p.MinCommunitySize, int(math.Round(p.Threshold*100)))
}

// Validate reports whether the parameters can drive community detection.
func (p ClusterParams) Validate() error {
	if p.MinCommunitySize <= 0 {
		return fmt.Errorf("min community size must be positive, got %d", p.MinCommunitySize)
	}
	if p.Threshold <= 0 || p.Threshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0,1], got %v", p.Threshold)
	}
	return nil
}

// Grid expands min sizes × thresholds into plain and temporal variants.
// Thresholds are percentages (60 means 0.60).
func Grid(minSizes []int, thresholdPct []int) []ClusterParams {
	out := make([]ClusterParams, 0, 2*len(minSizes)*len(thresholdPct))
	for _, temporal := range []bool{false, true} {
		for _, size := range minSizes {
			for _, pct := range thresholdPct {
				out = append(out, ClusterParams{
					MinCommunitySize: size,
					Threshold:        float64(pct) / 100,
					Temporal:         temporal,
				})
			}
		}
	}
	return out
}
