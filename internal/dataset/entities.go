package dataset

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/DeafMist/event-dedup/internal/models"
)

// entitiesCell is the on-disk shape of the entities column. The misspelled
// key is what older exports carry.
type entitiesCell struct {
	Types       map[string]string `json:"entity_type"`
	Links       map[string]string `json:"linked_entity,omitempty"`
	LegacyLinks map[string]string `json:"linked_entitiy,omitempty"`
}

// EncodeEntities renders entities as a JSON cell. Nil encodes as empty.
func EncodeEntities(e *models.Entities) (string, error) {
	if e == nil {
		return "", nil
	}
	cell := entitiesCell{Types: e.Types, Links: e.Links}
	if cell.Types == nil {
		cell.Types = map[string]string{}
	}
	if cell.Links == nil {
		cell.Links = map[string]string{}
	}
	data, err := json.Marshal(cell)
	if err != nil {
		return "", fmt.Errorf("marshal entities: %w", err)
	}
	return string(data), nil
}

// DecodeEntities parses an entities cell. Python-repr cells (single quotes,
// escaped non-breaking spaces) are repaired before decoding.
func DecodeEntities(raw string) (*models.Entities, error) {
	raw = strings.TrimSpace(raw)
	if isNull(raw) {
		return nil, nil
	}

	var cell entitiesCell
	if err := json.Unmarshal([]byte(raw), &cell); err != nil {
		repaired := strings.ReplaceAll(raw, `\xa0`, " ")
		repaired = strings.ReplaceAll(repaired, "'", `"`)
		if err2 := json.Unmarshal([]byte(repaired), &cell); err2 != nil {
			return nil, fmt.Errorf("decode entities: %w", err)
		}
	}

	e := &models.Entities{Types: cell.Types, Links: cell.Links}
	if e.Links == nil {
		e.Links = cell.LegacyLinks
	}
	if e.Types == nil {
		e.Types = map[string]string{}
	}
	if e.Links == nil {
		e.Links = map[string]string{}
	}
	return e, nil
}
