// File: internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/docfix-cli/internal/browser"
	"github.com/xkilldash9x/docfix-cli/internal/config"
	"github.com/xkilldash9x/docfix-cli/internal/mail"
	"github.com/xkilldash9x/docfix-cli/internal/patch"
	"github.com/xkilldash9x/docfix-cli/internal/store"
	"github.com/xkilldash9x/docfix-cli/internal/targeting"
	"github.com/xkilldash9x/docfix-cli/internal/xmltree"
)

// MethodNewContent tags resolutions for comments that ask for content the page does not
// have yet; the whole topic is the fragment.
const MethodNewContent = "new-content"

// UIDriver is the browser side of the pipeline. *browser.Driver implements it.
type UIDriver interface {
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	Close() error
	OpenPage(ctx context.Context, url, expectedTitle string) error
	CaptureComment(ctx context.Context, mailText string) (*browser.Comment, error)
	CaptureObservation(ctx context.Context) (targeting.Observation, error)
	AnnotationOffsets(ctx context.Context, commentID string) (*targeting.Offsets, error)
	OpenEditor(ctx context.Context) error
	CaptureXML(ctx context.Context) (string, error)
	ApplyXML(ctx context.Context, src string) error
	CheckIn(ctx context.Context) error
	CloseEditor()
}

// CommentSource yields notifications to work on. *mail.Source implements it.
type CommentSource interface {
	List(ctx context.Context, day time.Time) ([]*mail.Notification, error)
	MarkDone(n *mail.Notification) error
}

var (
	_ UIDriver      = (*browser.Driver)(nil)
	_ CommentSource = (*mail.Source)(nil)
)

// RunOptions selects what one run processes.
type RunOptions struct {
	// Day filters notifications by received date; zero means all.
	Day time.Time
	// Limit caps the number of notifications; zero means no cap.
	Limit int
}

// Runner drives notifications through capture, targeting, rewrite and check-in.
type Runner struct {
	cfg          config.PipelineConfig
	fetchOffsets bool
	source       CommentSource
	driver       UIDriver
	resolver     *targeting.Resolver
	generator    patch.Generator
	ledger       store.Ledger
	logger       *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Deps groups the Runner's collaborators.
type Deps struct {
	Source    CommentSource
	Driver    UIDriver
	Resolver  *targeting.Resolver
	Generator patch.Generator
	Ledger    store.Ledger
}

// NewRunner creates a Runner. A nil ledger falls back to an in-memory one.
func NewRunner(cfg *config.Config, deps Deps, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Ledger == nil {
		deps.Ledger = store.NewMemory()
	}
	if deps.Resolver == nil {
		deps.Resolver = targeting.NewResolver(ResolverOptions(cfg.Resolver), logger)
	}
	return &Runner{
		cfg:          cfg.Pipeline,
		fetchOffsets: cfg.Portal.FetchOffsets,
		source:       deps.Source,
		driver:       deps.Driver,
		resolver:     deps.Resolver,
		generator:    deps.Generator,
		ledger:       deps.Ledger,
		logger:       logger.Named("pipeline"),
		sleep:        sleepContext,
		now:          time.Now,
	}
}

// ResolverOptions maps the resolver config section onto targeting options.
func ResolverOptions(c config.ResolverConfig) targeting.Options {
	return targeting.Options{
		AncestorDepth:       c.AncestorDepth,
		ConfidenceThreshold: c.ConfidenceThreshold,
		IdentifierAttr:      c.IdentifierAttr,
		IndirectionAttr:     c.IndirectionAttr,
		LinkTag:             c.LinkTag,
		ListItemTag:         c.ListItemTag,
		UseOffsets:          c.UseOffsets,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes the notifications selected by opts and returns the run summary. Item
// failures are recorded, not returned; only setup failures and cancellation end the run
// with an error.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	runID := uuid.NewString()
	log := r.logger.With(zap.String("run_id", runID))
	sum := &Summary{RunID: runID, Day: opts.Day, DryRun: r.cfg.DryRun, Started: r.now()}

	items, err := r.source.List(ctx, opts.Day)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	log.Info("Starting run.", zap.Int("notifications", len(items)), zap.Bool("dry_run", r.cfg.DryRun))
	if len(items) == 0 {
		sum.Finished = r.now()
		return sum, nil
	}

	if err := r.driver.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		if err := r.driver.Close(); err != nil {
			log.Warn("Failed to close browser.", zap.Error(err))
		}
	}()

	failures := 0
	for i, n := range items {
		if err := ctx.Err(); err != nil {
			sum.Finished = r.now()
			return sum, err
		}
		if failures >= r.cfg.MaxConsecutiveFailures {
			log.Warn("Too many consecutive failures; restarting browser.", zap.Int("failures", failures))
			if err := r.driver.Restart(ctx); err != nil {
				sum.Finished = r.now()
				return sum, fmt.Errorf("failed to restart browser: %w", err)
			}
			failures = 0
		}

		ilog := log.With(zap.String("notification", n.ID), zap.Int("position", i+1), zap.Int("total", len(items)))
		ilog.Info("Processing notification.", zap.String("page", n.PageTitle))

		res := r.process(ctx, n, ilog)
		res.Position = i + 1
		sum.Items = append(sum.Items, res)

		if res.Outcome == store.OutcomeFailed {
			failures++
		} else {
			failures = 0
		}
		if res.Skipped {
			continue
		}

		rec := store.Record{
			RunID:     runID,
			CommentID: res.CommentID,
			PageURL:   n.PageURL,
			Outcome:   res.Outcome,
			Method:    res.Method,
			Path:      res.Path,
			Detail:    res.Detail,
		}
		if err := r.ledger.RecordOutcome(ctx, rec); err != nil {
			ilog.Error("Failed to record outcome.", zap.Error(err))
		}
		if res.Outcome.Final() {
			if err := r.source.MarkDone(n); err != nil {
				ilog.Warn("Failed to move notification to done.", zap.Error(err))
			}
		}
		ilog.Info("Notification processed.", zap.String("outcome", string(res.Outcome)), zap.String("detail", res.Detail))

		if i < len(items)-1 {
			if err := r.sleep(ctx, r.cfg.ItemDelay); err != nil {
				sum.Finished = r.now()
				return sum, err
			}
		}
	}
	sum.Finished = r.now()
	return sum, nil
}

// alreadyProcessed consults the ledger. A ledger error counts as "not processed" so the
// item is worked on again rather than lost.
func (r *Runner) alreadyProcessed(ctx context.Context, id string, log *zap.Logger) bool {
	done, err := r.ledger.IsProcessed(ctx, id)
	if err != nil {
		log.Warn("Ledger lookup failed; processing the comment anyway.",
			zap.String("comment_id", id), zap.Error(err))
		return false
	}
	return done
}

// process handles one notification and never returns an error; the outcome carries it.
func (r *Runner) process(ctx context.Context, n *mail.Notification, log *zap.Logger) ItemResult {
	res := ItemResult{
		CommentID: n.ID,
		Subject:   n.Subject,
		PageURL:   n.PageURL,
		Received:  n.Received,
	}
	fail := func(stage string, err error) ItemResult {
		res.Outcome = store.OutcomeFailed
		res.Detail = fmt.Sprintf("%s: %v", stage, err)
		log.Warn("Notification failed.", zap.String("stage", stage), zap.Error(err))
		return res
	}

	if r.alreadyProcessed(ctx, n.ID, log) {
		res.Skipped = true
		res.Detail = "already processed"
		return res
	}
	if n.PageURL == "" {
		return fail("notification", errors.New("no page link"))
	}

	if err := r.driver.OpenPage(ctx, n.PageURL, n.PageTitle); err != nil {
		return fail("open page", err)
	}
	comment, err := r.driver.CaptureComment(ctx, n.CommentText)
	if err != nil {
		return fail("capture comment", err)
	}
	obs, err := r.driver.CaptureObservation(ctx)
	if err != nil {
		return fail("capture observation", err)
	}
	if obs.CommentID != "" {
		res.CommentID = obs.CommentID
		if r.alreadyProcessed(ctx, obs.CommentID, log) {
			res.Skipped = true
			res.Detail = "already processed"
			return res
		}
	}
	if r.fetchOffsets && obs.CommentID != "" {
		off, err := r.driver.AnnotationOffsets(ctx, obs.CommentID)
		if err != nil {
			log.Debug("Annotation offsets unavailable.", zap.Error(err))
		}
		obs = obs.WithOffsets(off)
	}

	if err := r.driver.OpenEditor(ctx); err != nil {
		return fail("open editor", err)
	}
	defer r.driver.CloseEditor()

	source, err := r.driver.CaptureXML(ctx)
	if err != nil {
		return fail("capture xml", err)
	}

	resolution, err := r.resolve(source, obs)
	if err != nil {
		if targeting.NeedsReview(err) {
			res.Outcome = store.OutcomeNeedsReview
			res.Detail = err.Error()
			log.Info("Comment target needs manual review.", zap.Error(err))
			return res
		}
		return fail("resolve", err)
	}
	res.Method = resolution.Method
	res.Path = resolution.PathToTarget

	commentText := comment.Text
	if commentText == "" {
		commentText = n.CommentMarkdown
	}
	if commentText == "" {
		commentText = n.CommentText
	}
	p, err := r.generator.Generate(ctx, patch.Request{
		FragmentXML: resolution.FragmentXML,
		CommentText: commentText,
		TargetPath:  resolution.PathToTarget,
		VisibleText: obs.VisibleText,
	})
	if err != nil {
		return fail("generate", err)
	}
	if p.AlreadyApplied {
		res.Outcome = store.OutcomeAlreadyApplied
		res.Detail = p.Rationale
		return res
	}

	updated, err := Splice(source, resolution.FragmentPath, p.ReplacementXML)
	if err != nil {
		return fail("splice", err)
	}
	if r.cfg.DryRun {
		res.Outcome = store.OutcomeDryRun
		res.Detail = p.Rationale
		log.Info("Dry run; not applying.", zap.Int("old_bytes", len(source)), zap.Int("new_bytes", len(updated)))
		return res
	}

	if err := r.driver.ApplyXML(ctx, updated); err != nil {
		return fail("apply", err)
	}
	if err := r.driver.CheckIn(ctx); err != nil {
		return fail("check in", err)
	}
	res.Outcome = store.OutcomeResolved
	res.Detail = p.Rationale
	return res
}

// resolve locates the commented element. Comments without an underline ask for new
// content and get the whole topic as their fragment.
func (r *Runner) resolve(source string, obs targeting.Observation) (*targeting.Resolution, error) {
	if obs.CommentType != targeting.CommentTypeNewContent {
		return r.resolver.Resolve(source, obs)
	}
	tree, err := xmltree.Parse(source)
	if err != nil {
		return nil, err
	}
	root := tree.Root()
	frag, err := tree.Serialize(root)
	if err != nil {
		return nil, err
	}
	path := tree.PathOf(root)
	return &targeting.Resolution{
		FragmentXML:  frag,
		PathToTarget: path,
		FragmentPath: path,
		Method:       MethodNewContent,
		Score:        1,
	}, nil
}
