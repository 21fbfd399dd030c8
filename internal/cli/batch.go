package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/clover/pkg/models"
)

// batchFile is the YAML accepted by `clover merge --file`:
//
//	merges:
//	  - type: person
//	    ids: [5, 9, 12]
//	  - type: participant
//	    ids: [3, 4]
//	    discriminant: jo@example.edu
type batchFile struct {
	Merges []batchEntry `yaml:"merges"`
}

type batchEntry struct {
	Type         string  `yaml:"type"`
	IDs          []int64 `yaml:"ids"`
	Discriminant string  `yaml:"discriminant"`
}

// loadBatch reads a merge batch. Every entry is checked before any is run.
func loadBatch(path string) ([]models.MergeRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var file batchFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}
	if len(file.Merges) == 0 {
		return nil, fmt.Errorf("batch file %s has no merges", path)
	}

	requests := make([]models.MergeRequest, 0, len(file.Merges))
	for i, entry := range file.Merges {
		req, err := buildRequest(entry.Type, entry.IDs, entry.Discriminant)
		if err != nil {
			return nil, fmt.Errorf("merges[%d]: %w", i, err)
		}
		requests = append(requests, req)
	}
	return requests, nil
}
