// internal/browser/driver.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/docfix-cli/internal/config"
	"github.com/xkilldash9x/docfix-cli/internal/targeting"
)

var (
	// ErrPageMismatch is returned when neither the opened page nor a portal search lands
	// on the expected topic.
	ErrPageMismatch = errors.New("page title does not match the notification")
	// ErrEditorNotFound is returned when no XML view can be located in the editor.
	ErrEditorNotFound = errors.New("XML editor view not found")
	// ErrNotStarted is returned by page operations before Start.
	ErrNotStarted = errors.New("browser not started")
	// ErrNoEditor is returned by editor operations before OpenEditor.
	ErrNoEditor = errors.New("editor tab not open")
)

// Comment is the reviewer comment as rendered in the portal's comment panel.
type Comment struct {
	Text string `json:"text"`
	HTML string `json:"html"`
}

const (
	editInEditorXPath  = `//a[contains(.,'Edit in IXIA CCMS Web')]`
	moreButtonXPath    = `//button[contains(.,'More')]`
	editButtonXPath    = `//button[starts-with(@id, 'btn-btn-edit-')]`
	checkInButtonXPath = `//button[starts-with(@id, 'btn-btn-chkin-')]`
	homeTileXPath      = `//div[contains(.,'My Assignments')]`
	checkInDialogQuery = `div.MuiDialogActions-root`
	checkInConfirmID   = `#check-in-confirm-button`
	editAsXMLLabel     = "Edit as XML"

	domStableChecks   = 3
	domStableInterval = 500 * time.Millisecond
)

// Driver automates the portal and the web XML editor through Chrome DevTools.
// One Driver owns one browser; it is not safe for concurrent use.
type Driver struct {
	browserCfg config.BrowserConfig
	portalCfg  config.PortalConfig
	editorCfg  config.EditorConfig
	logger     *zap.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	editorCtx   context.Context
	editorClose context.CancelFunc
}

// NewDriver creates a Driver. The browser is launched by Start.
func NewDriver(cfg *config.Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		browserCfg: cfg.Browser,
		portalCfg:  cfg.Portal,
		editorCfg:  cfg.Editor,
		logger:     logger.Named("browser"),
	}
}

// AllocatorOptions builds the Chrome launch flags for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("start-maximized", true),
		chromedp.WindowSize(1600, 1000),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// Start launches the browser and opens the first tab.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tabCtx != nil {
		return nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), AllocatorOptions(d.browserCfg)...)
	ctxOpts := []chromedp.ContextOption{chromedp.WithLogf(d.logger.Sugar().Infof)}
	if d.browserCfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(d.logger.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return fmt.Errorf("failed to start browser: %w", err)
	}
	d.allocCancel, d.tabCtx, d.tabCancel = allocCancel, tabCtx, tabCancel
	d.logger.Info("Browser started.", zap.Bool("headless", d.browserCfg.Headless))
	return nil
}

// Close shuts the browser down. It is safe to call more than once.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeEditorLocked()
	if d.tabCancel != nil {
		d.tabCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
	d.tabCtx, d.tabCancel, d.allocCancel = nil, nil, nil
	return nil
}

// Restart closes and relaunches the browser.
func (d *Driver) Restart(ctx context.Context) error {
	d.logger.Warn("Restarting browser.")
	_ = d.Close()
	return d.Start(ctx)
}

func (d *Driver) tab() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tabCtx == nil {
		return nil, ErrNotStarted
	}
	return d.tabCtx, nil
}

func (d *Driver) editor() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.editorCtx == nil {
		return nil, ErrNoEditor
	}
	return d.editorCtx, nil
}

// OpenPage navigates to url and checks the page is the topic named by expectedTitle.
// On a mismatch it widens the portal filters and searches for the title.
func (d *Driver) OpenPage(ctx context.Context, url, expectedTitle string) error {
	tab, err := d.tab()
	if err != nil {
		return err
	}
	opCtx, cancel := withTimeout(tab, ctx, d.portalCfg.PageLoadTimeout)
	defer cancel()

	d.logger.Info("Opening portal page.", zap.String("url", url))
	if err := chromedp.Run(opCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to open %s: %w", url, err)
	}
	d.settle(opCtx)

	title, err := d.pageTitle(opCtx)
	if err != nil {
		return err
	}
	if expectedTitle == "" || TitlesMatch(title, expectedTitle) {
		return nil
	}

	d.logger.Warn("Page title mismatch; searching the portal.",
		zap.String("expected", CleanTitle(expectedTitle)), zap.String("got", CleanTitle(title)))
	d.selectAllFilters(opCtx)
	if err := d.search(opCtx, expectedTitle); err != nil {
		return fmt.Errorf("%w: %v", ErrPageMismatch, err)
	}
	title, err = d.pageTitle(opCtx)
	if err != nil {
		return err
	}
	if !TitlesMatch(title, expectedTitle) {
		return fmt.Errorf("%w: expected %q, got %q", ErrPageMismatch, expectedTitle, title)
	}
	return nil
}

func (d *Driver) pageTitle(ctx context.Context) (string, error) {
	expr, err := call(pageTitleJS)
	if err != nil {
		return "", err
	}
	var title string
	if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &title)); err != nil {
		return "", fmt.Errorf("failed to read page title: %w", err)
	}
	return title, nil
}

// selectAllFilters opens each content filter and picks "Select All". Missing
// filters are skipped.
func (d *Driver) selectAllFilters(ctx context.Context) {
	for _, name := range []string{"Information Classification", "Features", "Implementation"} {
		fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := chromedp.Run(fctx,
			chromedp.Click(fmt.Sprintf(`//button[@title=%q]`, name), chromedp.BySearch),
			chromedp.Click(`//button[contains(., 'Select All')] | //label[contains(., 'Select All')]`, chromedp.BySearch),
			chromedp.Click("body", chromedp.ByQuery),
		)
		cancel()
		if err != nil {
			d.logger.Debug("Filter not adjusted.", zap.String("filter", name), zap.Error(err))
		}
	}
}

func (d *Driver) search(ctx context.Context, query string) error {
	return chromedp.Run(ctx,
		chromedp.WaitVisible("#simple-search-input", chromedp.ByID),
		chromedp.SetValue("#simple-search-input", "", chromedp.ByID),
		chromedp.SendKeys("#simple-search-input", query, chromedp.ByID),
		chromedp.Click(`//button[@type='submit']`, chromedp.BySearch),
		chromedp.WaitVisible(".search-results", chromedp.ByQuery),
		chromedp.Click("div.title a, li.title a", chromedp.ByQuery),
		chromedp.WaitReady("#content", chromedp.ByID),
		chromedp.Click(`//button[contains(@class, 'comments')]`, chromedp.BySearch),
		chromedp.Sleep(d.portalCfg.CommentSettle),
	)
}

// CaptureComment reads the highlighted comment from the comment panel. mailText, when
// set, is compared against the panel text and a mismatch is logged.
func (d *Driver) CaptureComment(ctx context.Context, mailText string) (*Comment, error) {
	tab, err := d.tab()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := withTimeout(tab, ctx, d.browserCfg.ActionTimeout)
	defer cancel()

	expand, err := call(expandCommentJS)
	if err != nil {
		return nil, err
	}
	read, err := call(commentPanelJS)
	if err != nil {
		return nil, err
	}

	var expanded bool
	var raw []byte
	if err := chromedp.Run(opCtx,
		chromedp.WaitReady(".comment-highlighted", chromedp.ByQuery),
		chromedp.Evaluate(expand, &expanded),
	); err != nil {
		return nil, fmt.Errorf("failed to open highlighted comment: %w", err)
	}
	if expanded {
		d.settle(opCtx)
	}
	if err := chromedp.Run(opCtx, chromedp.Evaluate(read, &raw)); err != nil {
		return nil, fmt.Errorf("failed to read comment: %w", err)
	}

	var c *Comment
	if err := jsoniter.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to decode comment: %w", err)
	}
	if c == nil {
		return nil, errors.New("highlighted comment has no text span")
	}
	if mailText != "" && !CommentMatches(mailText, c.Text) {
		d.logger.Warn("Comment text differs between notification and page.",
			zap.String("mail", truncate(mailText, 150)), zap.String("page", truncate(c.Text, 150)))
	}
	return c, nil
}

// CaptureObservation describes the underlined span of the open comment. When the page
// has no underline the comment asks for new content and a new_content observation is
// returned.
func (d *Driver) CaptureObservation(ctx context.Context) (targeting.Observation, error) {
	tab, err := d.tab()
	if err != nil {
		return targeting.Observation{}, err
	}
	opCtx, cancel := withTimeout(tab, ctx, d.browserCfg.ActionTimeout)
	defer cancel()

	wait := d.portalCfg.CommentSettle
	if wait <= 0 {
		wait = 3 * time.Second
	}
	var present bool
	err = chromedp.Run(opCtx, chromedp.Poll(underlinePresentJS, &present,
		chromedp.WithPollingTimeout(wait), chromedp.WithPollingInterval(200*time.Millisecond)))
	if errors.Is(err, chromedp.ErrPollingTimeout) || (err == nil && !present) {
		d.logger.Info("No underlined text; treating comment as new content.")
		return targeting.NewContentObservation(""), nil
	}
	if err != nil {
		return targeting.Observation{}, fmt.Errorf("failed waiting for underline: %w", err)
	}

	expr, err := call(observationJS, d.portalCfg.ContextWindow)
	if err != nil {
		return targeting.Observation{}, err
	}
	var raw []byte
	if err := chromedp.Run(opCtx, chromedp.Evaluate(expr, &raw)); err != nil {
		return targeting.Observation{}, fmt.Errorf("failed to capture underline: %w", err)
	}
	var obs *targeting.Observation
	if err := jsoniter.Unmarshal(raw, &obs); err != nil {
		return targeting.Observation{}, fmt.Errorf("failed to decode observation: %w", err)
	}
	if obs == nil {
		return targeting.NewContentObservation(""), nil
	}
	d.logger.Debug("Captured observation.",
		zap.String("comment_id", obs.CommentID),
		zap.String("visible_text", truncate(obs.VisibleText, 80)),
		zap.String("element_type", obs.ElementType))
	return *obs, nil
}

// AnnotationOffsets asks the editor's annotation service for the source range of a
// comment. A nil result without error means the service has no answer.
func (d *Driver) AnnotationOffsets(ctx context.Context, commentID string) (*targeting.Offsets, error) {
	if commentID == "" {
		return nil, nil
	}
	tab, err := d.tab()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := withTimeout(tab, ctx, d.browserCfg.ActionTimeout)
	defer cancel()

	expr, err := call(annotationOffsetsJS, commentID)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := chromedp.Run(opCtx, chromedp.Evaluate(expr, &raw)); err != nil {
		return nil, fmt.Errorf("failed to query annotation offsets: %w", err)
	}
	var off *targeting.Offsets
	if err := jsoniter.Unmarshal(raw, &off); err != nil {
		return nil, fmt.Errorf("failed to decode annotation offsets: %w", err)
	}
	if !off.Valid() {
		return nil, nil
	}
	return off, nil
}

// OpenEditor follows the portal's edit link into the web editor, signs in, switches the
// topic to edit mode and opens the XML view.
func (d *Driver) OpenEditor(ctx context.Context) error {
	tab, err := d.tab()
	if err != nil {
		return err
	}
	opCtx, cancel := withTimeout(tab, ctx, d.editorCfg.LoadTimeout+d.editorCfg.EditModeTimeout+d.editorCfg.XMLViewTimeout)
	defer cancel()

	newTab := chromedp.WaitNewTarget(opCtx, func(info *target.Info) bool {
		return info.Type == "page"
	})
	if err := chromedp.Run(opCtx,
		chromedp.Click(moreButtonXPath, chromedp.BySearch),
		chromedp.Click(editInEditorXPath, chromedp.BySearch),
	); err != nil {
		return fmt.Errorf("failed to open editor link: %w", err)
	}

	var id target.ID
	select {
	case id = <-newTab:
	case <-opCtx.Done():
		return fmt.Errorf("editor tab did not open: %w", opCtx.Err())
	}
	editorCtx, editorClose := chromedp.NewContext(tab, chromedp.WithTargetID(id))

	d.mu.Lock()
	d.closeEditorLocked()
	d.editorCtx, d.editorClose = editorCtx, editorClose
	d.mu.Unlock()
	d.logger.Info("Switched to editor tab.", zap.String("target", string(id)))

	if err := d.signIn(ctx, editorCtx); err != nil {
		return err
	}
	if err := d.enterEditMode(ctx, editorCtx); err != nil {
		return err
	}
	return d.openXMLView(ctx, editorCtx)
}

func (d *Driver) signIn(ctx, editorCtx context.Context) error {
	lctx, cancel := withTimeout(editorCtx, ctx, d.editorCfg.LoadTimeout)
	defer cancel()

	if d.editorCfg.AuthServer != "" {
		authCtx, authCancel := context.WithTimeout(lctx, d.editorCfg.LoadTimeout/2)
		err := chromedp.Run(authCtx, chromedp.Click(fmt.Sprintf(`//button[contains(., %q)]`, d.editorCfg.AuthServer), chromedp.BySearch))
		authCancel()
		if err != nil {
			d.logger.Debug("No authentication server prompt.", zap.Error(err))
		}
	}
	if err := chromedp.Run(lctx, chromedp.WaitVisible(homeTileXPath, chromedp.BySearch)); err != nil {
		return fmt.Errorf("editor home page did not load: %w", err)
	}
	return nil
}

func (d *Driver) enterEditMode(ctx, editorCtx context.Context) error {
	ectx, cancel := withTimeout(editorCtx, ctx, d.editorCfg.EditModeTimeout)
	defer cancel()

	if err := chromedp.Run(ectx, chromedp.Click(editButtonXPath, chromedp.BySearch)); err != nil {
		return fmt.Errorf("failed to switch topic to edit mode: %w", err)
	}
	return d.waitStable(ectx)
}

func (d *Driver) openXMLView(ctx, editorCtx context.Context) error {
	xctx, cancel := withTimeout(editorCtx, ctx, d.editorCfg.XMLViewTimeout)
	defer cancel()

	openMenu, err := call(openXMLMenuJS)
	if err != nil {
		return err
	}
	clickItem, err := call(clickMenuItemJS, editAsXMLLabel)
	if err != nil {
		return err
	}
	var opened, clicked bool
	if err := chromedp.Run(xctx,
		chromedp.Poll(openMenu, &opened, chromedp.WithPollingInterval(time.Second)),
		chromedp.Poll(clickItem, &clicked, chromedp.WithPollingInterval(500*time.Millisecond)),
	); err != nil {
		return fmt.Errorf("failed to open %q: %w", editAsXMLLabel, err)
	}

	layout, err := call(editorLayoutJS)
	if err != nil {
		return err
	}
	var name string
	if err := chromedp.Run(xctx, chromedp.Poll(layout, &name, chromedp.WithPollingInterval(500*time.Millisecond))); err != nil {
		return fmt.Errorf("%w: %v", ErrEditorNotFound, err)
	}
	d.logger.Info("XML view ready.", zap.String("layout", name))
	return nil
}

// CaptureXML returns the full topic source from the XML view.
func (d *Driver) CaptureXML(ctx context.Context) (string, error) {
	ed, err := d.editor()
	if err != nil {
		return "", err
	}
	opCtx, cancel := withTimeout(ed, ctx, d.editorCfg.XMLViewTimeout)
	defer cancel()

	expr, err := call(captureXMLJS)
	if err != nil {
		return "", err
	}
	var src string
	if err := chromedp.Run(opCtx, chromedp.Evaluate(expr, &src)); err != nil {
		return "", fmt.Errorf("failed to read XML view: %w", err)
	}
	if strings.TrimSpace(src) == "" {
		return "", ErrEditorNotFound
	}
	d.logger.Info("Captured topic XML.", zap.Int("lines", strings.Count(src, "\n")+1))
	return src, nil
}

// ApplyXML replaces the XML view's content with src.
func (d *Driver) ApplyXML(ctx context.Context, src string) error {
	ed, err := d.editor()
	if err != nil {
		return err
	}
	opCtx, cancel := withTimeout(ed, ctx, d.editorCfg.XMLViewTimeout)
	defer cancel()

	expr, err := call(applyXMLJS, src)
	if err != nil {
		return err
	}
	var ok bool
	if err := chromedp.Run(opCtx, chromedp.Evaluate(expr, &ok)); err != nil {
		return fmt.Errorf("failed to write XML view: %w", err)
	}
	if !ok {
		return ErrEditorNotFound
	}
	return nil
}

// CheckIn saves the topic through the editor's check-in dialog and closes the editor tab.
func (d *Driver) CheckIn(ctx context.Context) error {
	ed, err := d.editor()
	if err != nil {
		return err
	}
	opCtx, cancel := withTimeout(ed, ctx, d.editorCfg.CheckInTimeout)
	defer cancel()

	if err := chromedp.Run(opCtx,
		chromedp.Click(checkInButtonXPath, chromedp.BySearch),
		chromedp.WaitVisible(checkInDialogQuery, chromedp.ByQuery),
		chromedp.Click(checkInConfirmID, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("check-in failed: %w", err)
	}
	if err := d.waitStable(opCtx); err != nil {
		return err
	}
	d.logger.Info("Topic checked in.")
	d.CloseEditor()
	return nil
}

// CloseEditor closes the editor tab, if one is open.
func (d *Driver) CloseEditor() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeEditorLocked()
}

func (d *Driver) closeEditorLocked() {
	if d.editorClose != nil {
		d.editorClose()
	}
	d.editorCtx, d.editorClose = nil, nil
}

// waitStable waits for a complete document whose element count stops changing.
func (d *Driver) waitStable(ctx context.Context) error {
	var complete bool
	if err := chromedp.Run(ctx, chromedp.Poll(readyStateJS+` === 'complete'`, &complete,
		chromedp.WithPollingInterval(250*time.Millisecond))); err != nil {
		return fmt.Errorf("document did not finish loading: %w", err)
	}

	last, stable := -1, 0
	ticker := time.NewTicker(domStableInterval)
	defer ticker.Stop()
	for stable < domStableChecks {
		var n int
		if err := chromedp.Run(ctx, chromedp.Evaluate(domSizeJS, &n)); err != nil {
			return fmt.Errorf("failed to measure DOM: %w", err)
		}
		if n == last {
			stable++
		} else {
			stable, last = 0, n
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// settle pauses for the configured comment settle time, or until ctx ends.
func (d *Driver) settle(ctx context.Context) {
	if d.portalCfg.CommentSettle <= 0 {
		return
	}
	t := time.NewTimer(d.portalCfg.CommentSettle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
