// File: internal/pipeline/pipeline_test.go
package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/docfix-cli/internal/browser"
	"github.com/xkilldash9x/docfix-cli/internal/config"
	"github.com/xkilldash9x/docfix-cli/internal/mail"
	"github.com/xkilldash9x/docfix-cli/internal/patch"
	"github.com/xkilldash9x/docfix-cli/internal/store"
	"github.com/xkilldash9x/docfix-cli/internal/targeting"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Fakes --

type fakeSource struct {
	mu    sync.Mutex
	items []*mail.Notification
	done  []string
	err   error
}

func (s *fakeSource) List(_ context.Context, _ time.Time) ([]*mail.Notification, error) {
	return s.items, s.err
}

func (s *fakeSource) MarkDone(n *mail.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, n.ID)
	return nil
}

type fakeDriver struct {
	mu          sync.Mutex
	xml         string
	obs         targeting.Observation
	openPageErr error
	applyErr    error

	starts, restarts, closes int
	pagesOpened              int
	editorsOpened            int
	editorsClosed            int
	checkIns                 int
	applied                  []string
}

func (d *fakeDriver) Start(context.Context) error   { d.starts++; return nil }
func (d *fakeDriver) Restart(context.Context) error { d.restarts++; return nil }
func (d *fakeDriver) Close() error                  { d.closes++; return nil }

func (d *fakeDriver) OpenPage(context.Context, string, string) error {
	d.pagesOpened++
	return d.openPageErr
}

func (d *fakeDriver) CaptureComment(_ context.Context, mailText string) (*browser.Comment, error) {
	return &browser.Comment{Text: mailText}, nil
}

func (d *fakeDriver) CaptureObservation(context.Context) (targeting.Observation, error) {
	return d.obs, nil
}

func (d *fakeDriver) AnnotationOffsets(context.Context, string) (*targeting.Offsets, error) {
	return nil, errors.New("offsets unavailable")
}

func (d *fakeDriver) OpenEditor(context.Context) error { d.editorsOpened++; return nil }

func (d *fakeDriver) CaptureXML(context.Context) (string, error) { return d.xml, nil }

func (d *fakeDriver) ApplyXML(_ context.Context, src string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.applyErr != nil {
		return d.applyErr
	}
	d.applied = append(d.applied, src)
	return nil
}

func (d *fakeDriver) CheckIn(context.Context) error { d.checkIns++; return nil }
func (d *fakeDriver) CloseEditor()                  { d.editorsClosed++ }

// rewriteGenerator swaps one substring inside the fragment it is given.
type rewriteGenerator struct {
	from, to string
	already  bool
	err      error
	requests []patch.Request
}

func (g *rewriteGenerator) Generate(_ context.Context, req patch.Request) (*patch.Patch, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	if g.already {
		return &patch.Patch{ReplacementXML: req.FragmentXML, Rationale: "link already exists", AlreadyApplied: true}, nil
	}
	return &patch.Patch{
		ReplacementXML: strings.Replace(req.FragmentXML, g.from, g.to, 1),
		Rationale:      "updated link target",
	}, nil
}

const pageXML = `<?xml version="1.0" encoding="UTF-8"?>
<concept id="c1">
  <title>Install Guide</title>
  <conbody>
    <p>First paragraph.</p>
    <p>Second paragraph with <xref href="a.html">a link</xref>.</p>
  </conbody>
</concept>`

func notification(id string) *mail.Notification {
	return &mail.Notification{
		ID:          id,
		Subject:     "SAP Help Portal: Comment Notification",
		PageURL:     "https://help.example.com/docs/" + id,
		PageTitle:   "Install Guide",
		CommentText: "The link points to the old page.",
	}
}

func newTestRunner(t *testing.T, src *fakeSource, drv *fakeDriver, gen patch.Generator, ledger store.Ledger, mutate func(*config.Config)) *Runner {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Pipeline.ItemDelay = 0
	if mutate != nil {
		mutate(cfg)
	}
	r := NewRunner(cfg, Deps{Source: src, Driver: drv, Generator: gen, Ledger: ledger}, zaptest.NewLogger(t))
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

// -- Runner Tests --

func TestRun_Resolved(t *testing.T) {
	src := &fakeSource{items: []*mail.Notification{notification("n1")}}
	drv := &fakeDriver{xml: pageXML, obs: targeting.Observation{CommentID: "cmt-1", VisibleText: "a link", Href: "a.html"}}
	gen := &rewriteGenerator{from: "a.html", to: "b.html"}
	ledger := store.NewMemory()

	sum, err := newTestRunner(t, src, drv, gen, ledger, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, sum.Items, 1)

	item := sum.Items[0]
	assert.Equal(t, store.OutcomeResolved, item.Outcome)
	assert.Equal(t, "cmt-1", item.CommentID, "the page comment ID wins over the message ID")
	assert.NotEmpty(t, item.Method)

	require.Len(t, drv.applied, 1)
	assert.Contains(t, drv.applied[0], `href="b.html"`)
	assert.Contains(t, drv.applied[0], "<title>Install Guide</title>")
	assert.Equal(t, 1, drv.checkIns)
	assert.Equal(t, 1, drv.editorsClosed)
	assert.Equal(t, 1, drv.closes)
	assert.Equal(t, []string{"n1"}, src.done)

	require.Len(t, gen.requests, 1)
	assert.Equal(t, "The link points to the old page.", gen.requests[0].CommentText)
	assert.Equal(t, "a link", gen.requests[0].VisibleText)

	recs, err := ledger.OutcomesByRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "cmt-1", recs[0].CommentID)
	assert.Equal(t, store.OutcomeResolved, recs[0].Outcome)
}

func TestRun_DryRun(t *testing.T) {
	src := &fakeSource{items: []*mail.Notification{notification("n1")}}
	drv := &fakeDriver{xml: pageXML, obs: targeting.Observation{VisibleText: "a link"}}
	gen := &rewriteGenerator{from: "a.html", to: "b.html"}

	sum, err := newTestRunner(t, src, drv, gen, nil, func(c *config.Config) { c.Pipeline.DryRun = true }).
		Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.True(t, sum.DryRun)
	assert.Equal(t, store.OutcomeDryRun, sum.Items[0].Outcome)
	assert.Empty(t, drv.applied)
	assert.Zero(t, drv.checkIns)
	assert.Empty(t, src.done, "dry runs stay eligible for the next run")
}

func TestRun_AlreadyApplied(t *testing.T) {
	src := &fakeSource{items: []*mail.Notification{notification("n1")}}
	drv := &fakeDriver{xml: pageXML, obs: targeting.Observation{VisibleText: "a link"}}
	gen := &rewriteGenerator{already: true}

	sum, err := newTestRunner(t, src, drv, gen, nil, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, store.OutcomeAlreadyApplied, sum.Items[0].Outcome)
	assert.Equal(t, "link already exists", sum.Items[0].Detail)
	assert.Empty(t, drv.applied)
	assert.Zero(t, drv.checkIns)
	assert.Equal(t, []string{"n1"}, src.done)
}

func TestRun_NeedsReview(t *testing.T) {
	src := &fakeSource{items: []*mail.Notification{notification("n1")}}
	drv := &fakeDriver{xml: pageXML, obs: targeting.Observation{VisibleText: "text that is not in the topic"}}
	gen := &rewriteGenerator{}

	sum, err := newTestRunner(t, src, drv, gen, nil, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, store.OutcomeNeedsReview, sum.Items[0].Outcome)
	assert.Empty(t, gen.requests)
	assert.Equal(t, []string{"n1"}, src.done)
	assert.Equal(t, 1, drv.editorsClosed)
}

func TestRun_NewContent(t *testing.T) {
	src := &fakeSource{items: []*mail.Notification{notification("n1")}}
	drv := &fakeDriver{xml: pageXML, obs: targeting.NewContentObservation("cmt-9")}
	gen := &rewriteGenerator{from: "</conbody>", to: "<p>Added.</p></conbody>"}

	sum, err := newTestRunner(t, src, drv, gen, nil, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	item := sum.Items[0]
	assert.Equal(t, store.OutcomeResolved, item.Outcome)
	assert.Equal(t, MethodNewContent, item.Method)
	assert.Equal(t, "/concept[1]", item.Path)
	require.Len(t, drv.applied, 1)
	assert.Contains(t, drv.applied[0], "<p>Added.</p>")
	assert.True(t, strings.HasPrefix(drv.applied[0], "<?xml"))
}

func TestRun_SkipsProcessed(t *testing.T) {
	ledger := store.NewMemory()
	require.NoError(t, ledger.RecordOutcome(context.Background(), store.Record{
		RunID: "earlier", CommentID: "n1", Outcome: store.OutcomeResolved,
	}))
	require.NoError(t, ledger.RecordOutcome(context.Background(), store.Record{
		RunID: "earlier", CommentID: "n2", Outcome: store.OutcomeFailed,
	}))

	src := &fakeSource{items: []*mail.Notification{notification("n1"), notification("n2")}}
	drv := &fakeDriver{xml: pageXML, obs: targeting.Observation{VisibleText: "a link"}}
	gen := &rewriteGenerator{from: "a.html", to: "b.html"}

	sum, err := newTestRunner(t, src, drv, gen, ledger, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, sum.Items, 2)

	assert.True(t, sum.Items[0].Skipped)
	assert.False(t, sum.Items[1].Skipped, "failed comments are retried")
	assert.Equal(t, store.OutcomeResolved, sum.Items[1].Outcome)
	assert.Equal(t, 1, drv.pagesOpened)
	assert.Equal(t, 1, sum.Skipped())
}

// brokenLedger fails every lookup but still accepts records.
type brokenLedger struct {
	*store.Memory
}

func (brokenLedger) IsProcessed(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRun_LedgerLookupErrorIsLogged(t *testing.T) {
	src := &fakeSource{items: []*mail.Notification{notification("n1")}}
	drv := &fakeDriver{xml: pageXML, obs: targeting.Observation{CommentID: "cmt-1", VisibleText: "a link", Href: "a.html"}}
	gen := &rewriteGenerator{from: "a.html", to: "b.html"}

	core, logs := observer.New(zapcore.WarnLevel)
	cfg := config.NewDefaultConfig()
	cfg.Pipeline.ItemDelay = 0
	r := NewRunner(cfg, Deps{Source: src, Driver: drv, Generator: gen, Ledger: brokenLedger{store.NewMemory()}}, zap.New(core))
	r.sleep = func(context.Context, time.Duration) error { return nil }

	sum, err := r.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, sum.Items, 1)
	assert.Equal(t, store.OutcomeResolved, sum.Items[0].Outcome, "a ledger outage does not block processing")

	lookups := logs.FilterMessageSnippet("Ledger lookup failed")
	require.Equal(t, 2, lookups.Len(), "both the message ID and the page comment ID are checked")
	entry := lookups.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "n1", entry.ContextMap()["comment_id"])
	assert.Equal(t, "connection refused", entry.ContextMap()["error"])
	assert.Equal(t, "cmt-1", lookups.All()[1].ContextMap()["comment_id"])
}

func TestRun_RestartsAfterConsecutiveFailures(t *testing.T) {
	var items []*mail.Notification
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		items = append(items, notification(id))
	}
	src := &fakeSource{items: items}
	drv := &fakeDriver{openPageErr: errors.New("page did not load")}

	sum, err := newTestRunner(t, src, drv, &rewriteGenerator{}, nil, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Counts()[store.OutcomeFailed])
	assert.Equal(t, 1, drv.restarts, "restart happens once three failures accumulate")
	assert.Empty(t, src.done)
	assert.Contains(t, sum.Items[0].Detail, "open page")
}

func TestRun_Limit(t *testing.T) {
	src := &fakeSource{items: []*mail.Notification{notification("n1"), notification("n2"), notification("n3")}}
	drv := &fakeDriver{xml: pageXML, obs: targeting.Observation{VisibleText: "a link"}}

	sum, err := newTestRunner(t, src, drv, &rewriteGenerator{from: "a.html", to: "b.html"}, nil, nil).
		Run(context.Background(), RunOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, sum.Items, 2)
}

func TestRun_Failures(t *testing.T) {
	t.Run("list error", func(t *testing.T) {
		src := &fakeSource{err: errors.New("no maildrop")}
		_, err := newTestRunner(t, src, &fakeDriver{}, &rewriteGenerator{}, nil, nil).Run(context.Background(), RunOptions{})
		assert.ErrorContains(t, err, "no maildrop")
	})

	t.Run("nothing to do does not start the browser", func(t *testing.T) {
		drv := &fakeDriver{}
		sum, err := newTestRunner(t, &fakeSource{}, drv, &rewriteGenerator{}, nil, nil).Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		assert.Empty(t, sum.Items)
		assert.Zero(t, drv.starts)
	})

	t.Run("generation failure", func(t *testing.T) {
		src := &fakeSource{items: []*mail.Notification{notification("n1")}}
		drv := &fakeDriver{xml: pageXML, obs: targeting.Observation{VisibleText: "a link"}}
		gen := &rewriteGenerator{err: patch.ErrGenerationFailed}
		sum, err := newTestRunner(t, src, drv, gen, nil, nil).Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeFailed, sum.Items[0].Outcome)
		assert.Contains(t, sum.Items[0].Detail, "generate")
	})

	t.Run("bad replacement", func(t *testing.T) {
		src := &fakeSource{items: []*mail.Notification{notification("n1")}}
		drv := &fakeDriver{xml: pageXML, obs: targeting.Observation{VisibleText: "a link"}}
		gen := &rewriteGenerator{from: "<conbody>", to: "<section>"}
		sum, err := newTestRunner(t, src, drv, gen, nil, nil).Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeFailed, sum.Items[0].Outcome)
		assert.Contains(t, sum.Items[0].Detail, "splice")
		assert.Empty(t, drv.applied)
	})

	t.Run("apply failure", func(t *testing.T) {
		src := &fakeSource{items: []*mail.Notification{notification("n1")}}
		drv := &fakeDriver{xml: pageXML, obs: targeting.Observation{VisibleText: "a link"}, applyErr: errors.New("editor gone")}
		gen := &rewriteGenerator{from: "a.html", to: "b.html"}
		sum, err := newTestRunner(t, src, drv, gen, nil, nil).Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeFailed, sum.Items[0].Outcome)
		assert.Zero(t, drv.checkIns)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		src := &fakeSource{items: []*mail.Notification{notification("n1")}}
		_, err := newTestRunner(t, src, &fakeDriver{}, &rewriteGenerator{}, nil, nil).Run(ctx, RunOptions{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// -- Summary Tests --

func TestSummary_WriteFile(t *testing.T) {
	finished := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	sum := &Summary{
		RunID:    "run-1",
		Day:      time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		Started:  finished.Add(-time.Minute),
		Finished: finished,
		Items: []ItemResult{
			{Position: 1, Outcome: store.OutcomeResolved, Subject: "a"},
			{Position: 2, Outcome: store.OutcomeNeedsReview, Subject: "b", PageURL: "https://x/b", Detail: "target not found"},
			{Position: 3, Skipped: true},
		},
	}
	dir := t.TempDir()
	path, err := sum.WriteFile(dir)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "summary_20260304_050607.txt"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "Run run-1")
	assert.Contains(t, text, "Date: 2026-03-04")
	assert.Contains(t, text, "needs_review:")
	assert.Contains(t, text, "target not found")
	assert.Regexp(t, `skipped\s+1`, text)
	assert.Regexp(t, `resolved\s+1`, text)
}
