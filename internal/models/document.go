package models

import "time"

// EventDocument is the shape of a merged event mention stored in Elasticsearch.
type EventDocument struct {
	ID            string            `json:"id"`
	RunID         string            `json:"run_id"`
	Title         string            `json:"title"`
	StartDate     string            `json:"start_date"`
	EventType     string            `json:"event_type,omitempty"`
	Cluster       *int              `json:"cluster,omitempty"`
	MergedCluster *int              `json:"merged_cluster,omitempty"`
	Entities      []string          `json:"entities,omitempty"`
	GPEs          []string          `json:"gpes,omitempty"`
	Links         map[string]string `json:"links,omitempty"`
	IndexedAt     time.Time         `json:"indexed_at"`
}
