// Package composer wires the page editor together: the structure registry,
// the editing session, the overlay controller, the backend and the intent
// sinks, and exposes them over HTTP and MCP.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/pagecomposer/backend"
	"github.com/hazyhaar/pagecomposer/inspect"
	"github.com/hazyhaar/pagecomposer/intent"
	"github.com/hazyhaar/pagecomposer/journal"
	"github.com/hazyhaar/pagecomposer/marker"
	"github.com/hazyhaar/pagecomposer/overlay"
	"github.com/hazyhaar/pagecomposer/page"
)

// Composer is one editing session over one page.
type Composer struct {
	cfg    *Config
	logger *slog.Logger

	backend  page.Backend
	memory   *backend.Memory // demo mode only
	registry *page.Registry
	session  *page.Session
	overlay  *overlay.Controller
	static   *overlay.StaticMeasurer
	browser  *overlay.BrowserMeasurer

	sink      *intent.Router
	journal   *journal.Journal
	recorder  *intent.Recorder
	inspector *inspect.Inspector
	feedback  *feedbackLog
}

// Option customises New.
type Option func(*Composer)

// WithBackend replaces the backend chosen from the config.
func WithBackend(b page.Backend) Option { return func(c *Composer) { c.backend = b } }

// WithSinks adds intent sinks next to the configured ones.
func WithSinks(sinks ...intent.Sink) Option {
	return func(c *Composer) { c.sink = intent.NewRouter(c.logger, append(c.sinks(), sinks...)...) }
}

// New builds a Composer. The page is not loaded until Start.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Composer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Composer{
		cfg:       cfg,
		logger:    logger,
		registry:  page.NewRegistry(logger),
		recorder:  &intent.Recorder{},
		inspector: inspect.New(inspect.Options{PreviewLen: cfg.Inspect.PreviewLen, Logger: logger}),
		feedback:  newFeedbackLog(50, logger),
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, journal.WithMkdirAll(), journal.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("composer: %w", err)
		}
		c.journal = j
	}
	c.sink = intent.NewRouter(logger, c.sinks()...)

	switch {
	case cfg.Backend.URL != "":
		c.backend = backend.NewClient(backend.ClientConfig{
			BaseURL: cfg.Backend.URL,
			Timeout: cfg.Backend.Timeout,
			Logger:  logger,
		})
	case cfg.Demo:
		c.memory = backend.NewMemory(backend.DemoSite(),
			backend.WithCatalog(backend.DemoCatalog()),
			backend.WithLogger(logger))
		c.backend = c.memory
	}
	for _, o := range opts {
		o(c)
	}
	if c.backend == nil {
		c.Close()
		return nil, errors.New("composer: no backend configured")
	}

	c.session = page.NewSession(page.SessionConfig{
		Registry: c.registry,
		Backend:  c.backend,
		Sink:     c.sink,
		Feedback: c.feedback,
		Reloader: c,
		Logger:   logger,
	})

	var m overlay.Measurer
	c.static = overlay.NewStaticMeasurer()
	m = c.static
	if b := cfg.Overlay.Browser; b.Enabled {
		c.browser = overlay.NewBrowserMeasurer(overlay.BrowserConfig{
			PageURL:         b.PageURL,
			RemoteURL:       b.RemoteURL,
			Stealth:         b.Stealth,
			NavigateTimeout: b.NavigateTimeout,
			Logger:          logger,
		})
		m = c.browser
	}
	c.overlay = overlay.New(overlay.Config{
		Registry:   c.registry,
		Dispatcher: c.session,
		Measurer:   m,
		SyncWindow: cfg.Overlay.SyncWindow,
		Logger:     logger,
	})
	return c, nil
}

func (c *Composer) sinks() []intent.Sink {
	sinks := []intent.Sink{c.recorder}
	if c.journal != nil {
		sinks = append(sinks, c.journal)
	}
	if c.cfg.Sinks.Stdout {
		sinks = append(sinks, intent.NewStdout(nil))
	}
	if w := c.cfg.Sinks.Webhook; w.URL != "" {
		sinks = append(sinks, intent.NewWebhook(w.URL,
			intent.WithWebhookRetries(w.Retries),
			intent.WithWebhookBackoff(w.Backoff),
			intent.WithWebhookLogger(c.logger)))
	}
	return sinks
}

// Start launches the browser measurer if configured and loads the page.
func (c *Composer) Start(ctx context.Context) error {
	if c.browser != nil {
		if err := c.browser.Start(ctx); err != nil {
			return fmt.Errorf("composer: %w", err)
		}
	}
	if err := c.session.ReloadPage(ctx); err != nil {
		return fmt.Errorf("composer: %w", err)
	}
	if err := c.overlay.Render(ctx); err != nil {
		c.logger.Warn("composer: initial overlay sync", "error", err)
	}
	c.logger.Info("composer: started", "demo", c.memory != nil, "browser", c.browser != nil)
	return nil
}

// LoadMarkup replaces the page with markup, without asking the backend.
func (c *Composer) LoadMarkup(markup string) (marker.Result, error) {
	doc, err := marker.ParseDocument(strings.NewReader(markup))
	if err != nil {
		return marker.Result{}, fmt.Errorf("composer: %w", err)
	}
	return c.registry.Load(doc), nil
}

// ReloadPage implements page.Reloader: it rebuilds the registry and, with a
// live browser, reloads the preview so geometry follows.
func (c *Composer) ReloadPage(ctx context.Context) error {
	if err := c.session.ReloadPage(ctx); err != nil {
		return err
	}
	if c.browser != nil {
		if err := c.browser.Reload(ctx); err != nil {
			c.logger.Warn("composer: browser reload", "error", err)
		}
	}
	c.overlay.RequestSync()
	return nil
}

func (c *Composer) ReloadContainer(ctx context.Context, containerID string) error {
	return c.session.ReloadContainer(ctx, containerID)
}

func (c *Composer) Registry() *page.Registry     { return c.registry }
func (c *Composer) Session() *page.Session       { return c.session }
func (c *Composer) Overlay() *overlay.Controller { return c.overlay }
func (c *Composer) Demo() *backend.Memory        { return c.memory }
func (c *Composer) Feedback() []FeedbackEntry    { return c.feedback.entries() }
func (c *Composer) Report() inspect.Report       { return c.inspector.Inspect(c.registry.Snapshot()) }

// Intents lists recorded intents, from the journal when one is configured.
func (c *Composer) Intents(ctx context.Context, f journal.Filter) ([]intent.Intent, error) {
	if c.journal != nil {
		return c.journal.List(ctx, f)
	}
	var out []intent.Intent
	for _, in := range c.recorder.Latest() {
		if (f.Status == "" || in.Status == f.Status) && (f.Container == "" || in.Container == f.Container) {
			out = append(out, in)
		}
	}
	return out, nil
}

// Close releases the overlay, the browser and the sinks.
func (c *Composer) Close() error {
	if c.overlay != nil {
		c.overlay.Close()
	}
	var errs []error
	if c.browser != nil {
		errs = append(errs, c.browser.Close())
	}
	if c.sink != nil {
		errs = append(errs, c.sink.Close())
	}
	return errors.Join(errs...)
}

// FeedbackEntry is one message shown to the user.
type FeedbackEntry struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"` // "lock_conflict" or "error"
	ID      string    `json:"id,omitempty"`
	Message string    `json:"message"`
}

// feedbackLog keeps the latest user-facing errors.
type feedbackLog struct {
	logger *slog.Logger
	max    int

	mu   sync.Mutex
	list []FeedbackEntry
}

func newFeedbackLog(max int, logger *slog.Logger) *feedbackLog {
	return &feedbackLog{max: max, logger: logger}
}

func (f *feedbackLog) Report(_ context.Context, err error) {
	e := FeedbackEntry{Time: time.Now().UTC(), Kind: "error", Message: err.Error()}
	var conflict *page.LockConflictError
	if errors.As(err, &conflict) {
		e.Kind, e.ID = "lock_conflict", conflict.ID
	}
	f.logger.Warn("composer: feedback", "kind", e.Kind, "error", err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = append(f.list, e)
	if len(f.list) > f.max {
		f.list = f.list[len(f.list)-f.max:]
	}
}

func (f *feedbackLog) entries() []FeedbackEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FeedbackEntry(nil), f.list...)
}
