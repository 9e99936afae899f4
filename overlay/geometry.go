package overlay

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/net/html"

	"github.com/hazyhaar/pagecomposer/page"
)

// Box is a rectangle in CSS pixels.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Measurer reports the document-absolute box of each anchor it can find.
// Missing anchors are left out of the result.
type Measurer interface {
	Measure(ctx context.Context, anchors []page.Anchor) (map[string]Box, error)
}

// StaticMeasurer returns boxes reported from outside, typically by the
// in-page client after a layout pass.
type StaticMeasurer struct {
	mu    sync.RWMutex
	boxes map[string]Box
}

func NewStaticMeasurer() *StaticMeasurer {
	return &StaticMeasurer{boxes: make(map[string]Box)}
}

// Set replaces the known boxes.
func (m *StaticMeasurer) Set(boxes map[string]Box) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes = make(map[string]Box, len(boxes))
	for id, b := range boxes {
		m.boxes[id] = b
	}
}

func (m *StaticMeasurer) Measure(_ context.Context, anchors []page.Anchor) (map[string]Box, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Box, len(anchors))
	for _, a := range anchors {
		if b, ok := m.boxes[a.ID]; ok {
			out[a.ID] = b
		}
	}
	return out, nil
}

// RequestSync schedules a geometry sync; bursts of requests (resize events,
// consecutive registry changes) collapse into one.
func (c *Controller) RequestSync() {
	c.syncer.add()
}

// Sync measures every element and positions its overlay node relative to
// the nearest enclosing overlay node, so nested overlays follow their
// parent.
func (c *Controller) Sync(ctx context.Context) error {
	abs, err := c.measure.Measure(ctx, c.reg.Anchors())
	if err != nil {
		return fmt.Errorf("overlay: measure: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.boxes = make(map[string]Box, len(abs))
	for id, n := range c.nodes {
		b, ok := abs[id]
		if !ok {
			c.logger.Debug("overlay: no geometry", "id", id)
			continue
		}
		if p, ok := enclosingBox(n, abs); ok {
			b.X -= p.X
			b.Y -= p.Y
		}
		c.boxes[id] = b
		setAttr(n, "style", style(b))
	}
	return nil
}

// Geometry returns the last synced boxes, relative to the parent overlay.
func (c *Controller) Geometry() map[string]Box {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Box, len(c.boxes))
	for id, b := range c.boxes {
		out[id] = b
	}
	return out
}

func enclosingBox(n *html.Node, abs map[string]Box) (Box, bool) {
	for p := n.Parent; p != nil; p = p.Parent {
		if id := attr(p, "data-id"); id != "" {
			b, ok := abs[id]
			return b, ok
		}
	}
	return Box{}, false
}

func style(b Box) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) + "px" }
	return "position:absolute;left:" + f(b.X) + ";top:" + f(b.Y) + ";width:" + f(b.W) + ";height:" + f(b.H)
}
