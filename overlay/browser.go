package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/pagecomposer/page"
)

// BrowserConfig configures a BrowserMeasurer.
type BrowserConfig struct {
	// PageURL is the preview URL of the page being edited.
	PageURL string

	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local headless Chrome.
	RemoteURL string

	// Stealth opens the preview tab with evasions applied, for previews
	// served behind bot protection.
	Stealth bool

	// NavigateTimeout bounds page loads. Default: 30s.
	NavigateTimeout time.Duration

	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// BrowserMeasurer measures elements in a live rendering of the page.
type BrowserMeasurer struct {
	cfg BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	page    *rod.Page
}

func NewBrowserMeasurer(cfg BrowserConfig) *BrowserMeasurer {
	cfg.defaults()
	return &BrowserMeasurer{cfg: cfg}
}

// Start launches or connects to Chrome and opens the preview page.
func (m *BrowserMeasurer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.cfg.Logger

	wsURL := m.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true)
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("overlay: launch browser: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("overlay: launched local chrome", "url", wsURL)
	} else {
		log.Info("overlay: connecting to remote chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		m.cleanupLocked()
		return fmt.Errorf("overlay: connect browser: %w", err)
	}
	m.browser = b

	var p *rod.Page
	var err error
	if m.cfg.Stealth {
		p, err = stealth.Page(b)
	} else {
		p, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		m.cleanupLocked()
		return fmt.Errorf("overlay: open tab: %w", err)
	}
	m.page = p
	return m.navigateLocked(ctx)
}

// Reload navigates the tab to the preview URL again, after the page was
// changed on the backend.
func (m *BrowserMeasurer) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.page == nil {
		return fmt.Errorf("overlay: browser not started")
	}
	return m.navigateLocked(ctx)
}

func (m *BrowserMeasurer) navigateLocked(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigateTimeout)
	defer cancel()

	if err := m.page.Context(navCtx).Navigate(m.cfg.PageURL); err != nil {
		return fmt.Errorf("overlay: navigate %s: %w", m.cfg.PageURL, err)
	}
	if err := m.page.Context(navCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("overlay: wait load timeout", "url", m.cfg.PageURL, "error", err)
	}
	return nil
}

// measureJS resolves each XPath and returns document-absolute boxes.
const measureJS = `(raw) => JSON.stringify(JSON.parse(raw).map((xp) => {
	const el = document.evaluate(xp, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
	if (!el || !el.getBoundingClientRect) return null;
	const r = el.getBoundingClientRect();
	return {x: r.left + window.scrollX, y: r.top + window.scrollY, w: r.width, h: r.height};
}))`

func (m *BrowserMeasurer) Measure(ctx context.Context, anchors []page.Anchor) (map[string]Box, error) {
	m.mu.Lock()
	p := m.page
	m.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("overlay: browser not started")
	}

	xpaths := make([]string, len(anchors))
	for i, a := range anchors {
		xpaths[i] = a.XPath
	}
	raw, err := json.Marshal(xpaths)
	if err != nil {
		return nil, fmt.Errorf("overlay: marshal xpaths: %w", err)
	}

	res, err := p.Context(ctx).Eval(measureJS, string(raw))
	if err != nil {
		return nil, fmt.Errorf("overlay: measure: %w", err)
	}
	return decodeBoxes(anchors, res.Value.Str())
}

// decodeBoxes pairs the JSON array returned by measureJS with anchors.
func decodeBoxes(anchors []page.Anchor, raw string) (map[string]Box, error) {
	var boxes []*Box
	if err := json.Unmarshal([]byte(raw), &boxes); err != nil {
		return nil, fmt.Errorf("overlay: decode boxes: %w", err)
	}
	if len(boxes) != len(anchors) {
		return nil, fmt.Errorf("overlay: got %d boxes for %d anchors", len(boxes), len(anchors))
	}
	out := make(map[string]Box, len(anchors))
	for i, b := range boxes {
		if b != nil {
			out[anchors[i].ID] = *b
		}
	}
	return out, nil
}

// Close shuts the tab and the browser down.
func (m *BrowserMeasurer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	return nil
}

func (m *BrowserMeasurer) cleanupLocked() {
	if m.page != nil {
		m.page.Close()
		m.page = nil
	}
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}
