package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/DeafMist/event-dedup/internal/models"
)

// ParamsFile is the YAML overlay for clustering and post-processing
// parameters. Omitted sections keep the values loaded from the environment.
//
//	cluster_column: cluster_50_70
//	grid:
//	  min_sizes: [5, 20, 50, 100]
//	  thresholds: [60, 70, 80, 90]
//	denoise:
//	  eps: 1
//	  min_samples: 3
//	merge:
//	  min_entity_count: 5
//	  max_gap_days: 10
//	  min_similarity: 0.5
type ParamsFile struct {
	ClusterColumn string `yaml:"cluster_column"`
	Grid          *struct {
		MinSizes   []int `yaml:"min_sizes"`
		Thresholds []int `yaml:"thresholds"`
	} `yaml:"grid"`
	// Variants lists grid points explicitly and replaces Grid when set.
	Variants []models.ClusterParams `yaml:"variants"`
	Denoise  *struct {
		Eps        *float64 `yaml:"eps"`
		MinSamples *int     `yaml:"min_samples"`
	} `yaml:"denoise"`
	Merge *struct {
		MinEntityCount *int     `yaml:"min_entity_count"`
		MaxGapDays     *int     `yaml:"max_gap_days"`
		MinSimilarity  *float64 `yaml:"min_similarity"`
	} `yaml:"merge"`
}

// ApplyParamsFile overlays the YAML file at path onto c and re-validates.
func (c *Pipeline) ApplyParamsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read params file: %w", err)
	}
	if err := c.applyParams(raw); err != nil {
		return fmt.Errorf("params file %s: %w", path, err)
	}
	c.ParamsFile = path
	return c.Validate()
}

func (c *Pipeline) applyParams(raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var pf ParamsFile
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	if pf.ClusterColumn != "" {
		c.ClusterColumn = pf.ClusterColumn
	}
	switch {
	case len(pf.Variants) > 0:
		c.Grid = pf.Variants
	case pf.Grid != nil:
		c.Grid = models.Grid(pf.Grid.MinSizes, pf.Grid.Thresholds)
	}
	if d := pf.Denoise; d != nil {
		if d.Eps != nil {
			c.Denoise.Eps = *d.Eps
		}
		if d.MinSamples != nil {
			c.Denoise.MinSamples = *d.MinSamples
		}
	}
	if m := pf.Merge; m != nil {
		if m.MinEntityCount != nil {
			c.Merge.MinEntityCount = *m.MinEntityCount
		}
		if m.MaxGapDays != nil {
			c.Merge.MaxGapDays = *m.MaxGapDays
		}
		if m.MinSimilarity != nil {
			c.Merge.MinSimilarity = *m.MinSimilarity
		}
	}
	return nil
}
