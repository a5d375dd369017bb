// Package resultsink implements the Result Sink (spec §3, §4.7): it
// persists each relay's probe outcome as a single JSON file under
// <analysis_dir>/<run_id>/<module>_<fingerprint>.json and maintains an
// in-memory histogram of outcome statuses for the run summary.
//
// Writes use the temp-file-then-rename pattern, grounded on the teacher's
// GuardManager.Save (pkg/path/guards.go): marshal, write to a ".tmp"
// sibling, then rename over the final path so a reader never observes a
// partially written result file.
package resultsink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opd-ai/go-exitmap/pkg/errors"
	"github.com/opd-ai/go-exitmap/pkg/logger"
	"github.com/opd-ai/go-exitmap/pkg/probe"
)

// Sink writes per-relay probe outcomes for one scan run.
type Sink struct {
	dir string
	log *logger.Logger

	mu        sync.Mutex
	histogram map[string]int
}

// New creates a Sink rooted at <analysisDir>/<runID>, creating the
// directory if needed.
func New(analysisDir, runID string, log *logger.Logger) (*Sink, error) {
	dir := filepath.Join(analysisDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.CategoryInternal, errors.SeverityCritical, "create analysis directory", err)
	}
	return &Sink{
		dir:       dir,
		log:       log.Component("resultsink"),
		histogram: make(map[string]int),
	}, nil
}

// Write persists one relay's outcome for a module as
// <dir>/<module>_<fingerprint>.json and records it in the status histogram.
func (s *Sink) Write(module string, fingerprint string, outcome probe.Outcome) error {
	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	finalPath := filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", module, fingerprint))
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write result file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename result file: %w", err)
	}

	s.mu.Lock()
	s.histogram[outcome.Status]++
	s.mu.Unlock()

	s.log.Debug("wrote result", "module", module, "fingerprint", fingerprint, "status", outcome.Status)
	return nil
}

// Histogram returns a copy of the outcome-status counts accumulated so far.
func (s *Sink) Histogram() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.histogram))
	for k, v := range s.histogram {
		out[k] = v
	}
	return out
}

// Dir returns the run's result directory.
func (s *Sink) Dir() string {
	return s.dir
}
