// File: internal/pipeline/summary.go
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xkilldash9x/docfix-cli/internal/store"
)

// ItemResult is what happened to one notification.
type ItemResult struct {
	Position  int
	CommentID string
	Subject   string
	PageURL   string
	Received  time.Time
	Outcome   store.Outcome
	Method    string
	Path      string
	Detail    string
	Skipped   bool
}

// Summary collects the results of one run.
type Summary struct {
	RunID    string
	Day      time.Time
	DryRun   bool
	Started  time.Time
	Finished time.Time
	Items    []ItemResult
}

// Counts tallies outcomes. Skipped items are counted under the empty outcome.
func (s *Summary) Counts() map[store.Outcome]int {
	out := make(map[store.Outcome]int)
	for _, it := range s.Items {
		out[it.Outcome]++
	}
	return out
}

// Skipped returns the number of notifications that were already processed.
func (s *Summary) Skipped() int {
	n := 0
	for _, it := range s.Items {
		if it.Skipped {
			n++
		}
	}
	return n
}

var reportOrder = []store.Outcome{
	store.OutcomeResolved,
	store.OutcomeAlreadyApplied,
	store.OutcomeNeedsReview,
	store.OutcomeDryRun,
	store.OutcomeFailed,
}

// String renders the summary as the plain text report written after each run.
func (s *Summary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s\n", s.RunID)
	if !s.Day.IsZero() {
		fmt.Fprintf(&sb, "Date: %s\n", s.Day.Format("2006-01-02"))
	}
	fmt.Fprintf(&sb, "Started: %s\n", s.Started.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Finished: %s\n", s.Finished.Format(time.RFC3339))
	if s.DryRun {
		sb.WriteString("Mode: dry run\n")
	}
	fmt.Fprintf(&sb, "Notifications: %d\n", len(s.Items))

	counts := s.Counts()
	for _, o := range reportOrder {
		fmt.Fprintf(&sb, "  %-16s %d\n", o, counts[o])
	}
	fmt.Fprintf(&sb, "  %-16s %d\n", "skipped", s.Skipped())

	for _, o := range []store.Outcome{store.OutcomeNeedsReview, store.OutcomeFailed} {
		var lines []string
		for _, it := range s.Items {
			if it.Outcome == o {
				lines = append(lines, fmt.Sprintf("  [%d] %s\n      %s\n      %s", it.Position, it.Subject, it.PageURL, it.Detail))
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n%s:\n%s\n", o, strings.Join(lines, "\n"))
	}
	return sb.String()
}

// WriteFile writes the report to dir as summary_YYYYMMDD_HHMMSS.txt and returns the path.
func (s *Summary) WriteFile(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create summary directory: %w", err)
	}
	ts := s.Finished
	if ts.IsZero() {
		ts = time.Now()
	}
	path := filepath.Join(dir, "summary_"+ts.Format("20060102_150405")+".txt")
	if err := os.WriteFile(path, []byte(s.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write summary: %w", err)
	}
	return path, nil
}
