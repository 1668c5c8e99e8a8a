// File: internal/mail/source.go
package mail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/docfix-cli/internal/config"
)

// Source lists comment notifications from a maildrop directory of .eml files.
type Source struct {
	dir           string
	doneDir       string
	subjectFilter string
	logger        *zap.Logger
}

// NewSource creates a Source. An empty DoneDir defaults to "done" under Dir.
func NewSource(cfg config.MailConfig, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	done := cfg.DoneDir
	if done == "" {
		done = filepath.Join(cfg.Dir, "done")
	}
	return &Source{
		dir:           cfg.Dir,
		doneDir:       done,
		subjectFilter: cfg.SubjectFilter,
		logger:        logger.Named("mail"),
	}
}

// List returns the notifications received on day (in day's location), oldest first.
// Messages that cannot be parsed are logged and skipped.
func (s *Source) List(ctx context.Context, day time.Time) ([]*Notification, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read maildrop %s: %w", s.dir, err)
	}

	var out []*Notification
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".eml") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		n, err := s.read(path)
		if err != nil {
			s.logger.Warn("Skipping unreadable notification.", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if !strings.Contains(n.Subject, s.subjectFilter) {
			continue
		}
		if !day.IsZero() && !sameDay(n.Received, day) {
			continue
		}
		out = append(out, n)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Received.Before(out[j].Received) })
	s.logger.Info("Found comment notifications.", zap.Int("count", len(out)), zap.String("day", day.Format(time.DateOnly)))
	return out, nil
}

func (s *Source) read(path string) (*Notification, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	n, err := ParseMessage(f)
	if err != nil {
		return nil, err
	}
	n.Path = path
	if n.ID == "" {
		n.ID = filepath.Base(path)
	}
	return n, nil
}

// MarkDone moves a processed notification into the done directory.
func (s *Source) MarkDone(n *Notification) error {
	if n.Path == "" {
		return fmt.Errorf("notification %s has no file", n.ID)
	}
	if err := os.MkdirAll(s.doneDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.doneDir, err)
	}
	dest := filepath.Join(s.doneDir, filepath.Base(n.Path))
	if err := os.Rename(n.Path, dest); err != nil {
		return fmt.Errorf("failed to move %s: %w", n.Path, err)
	}
	n.Path = dest
	return nil
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
