package vectorstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ycmlab/academic-researcher/internal/engine"
)

// cachedReport is the on-disk shape of a report that failed to persist.
type cachedReport struct {
	JobID      string          `json:"job_id"`
	Query      string          `json:"query"`
	ReportType string          `json:"report_type"`
	Report     string          `json:"report"`
	Sources    []engine.Source `json:"sources"`
	CachedAt   time.Time       `json:"cached_at"`
}

// FallbackCache keeps reports on disk when the vector store is unavailable,
// so an operator can re-submit them later. It is write-only from the server's
// point of view.
type FallbackCache struct {
	dir string
}

// NewFallbackCache creates the cache directory if needed.
func NewFallbackCache(dir string) (*FallbackCache, error) {
	reportsDir := filepath.Join(dir, "research")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FallbackCache{dir: reportsDir}, nil
}

// Save writes one report to the cache and returns the file path.
func (c *FallbackCache) Save(jobID, query, reportType string, report *engine.Report) (string, error) {
	entry := cachedReport{
		JobID:      jobID,
		Query:      query,
		ReportType: reportType,
		Report:     report.Text,
		Sources:    report.Sources,
		CachedAt:   time.Now(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal cached report: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.json", safeName(query), time.Now().Format("20060102_150405"))
	path := filepath.Join(c.dir, filename)

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write cached report: %w", err)
	}

	return path, nil
}

// safeName turns a query into a filesystem-safe filename fragment.
func safeName(query string) string {
	if len(query) > 50 {
		query = query[:50]
	}
	out := make([]rune, 0, len(query))
	for _, r := range query {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
