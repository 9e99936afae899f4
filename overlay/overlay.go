// Package overlay maintains the drag-and-drop layer drawn over the page: one
// overlay node per container and component, a placeholder in every empty
// container, and the geometry that keeps each node over its element.
//
// The overlay is an html.Node tree rooted at <div id="hippo-overlay">; the
// in-page client mirrors it and reports drops back through Drop.
package overlay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/pagecomposer/page"
)

// Class names of overlay nodes.
const (
	ClassContainer   = "hst-overlay-container"
	ClassComponent   = "hst-overlay-component"
	ClassPlaceholder = "hst-overlay-placeholder"
	ClassLabel       = "hst-overlay-label"
	ClassLocked      = "hst-overlay-locked"
	ClassDisabled    = "hst-overlay-disabled"
	ClassInherited   = "hst-overlay-inherited"
)

// RootID is the id attribute of the overlay root.
const RootID = "hippo-overlay"

// ErrNotDroppable is returned by Drop for locked components and for
// disabled or inherited containers.
var ErrNotDroppable = errors.New("overlay: drop not allowed")

// Dispatcher carries out drops. page.Session implements it.
type Dispatcher interface {
	Rearrange(ctx context.Context, containerID string, ids []string) error
	Move(ctx context.Context, componentID, toContainerID string, index int) error
}

// Config wires a Controller.
type Config struct {
	Registry   *page.Registry
	Dispatcher Dispatcher
	Measurer   Measurer // default: an empty StaticMeasurer

	// SyncWindow coalesces RequestSync calls. Default: 100ms.
	SyncWindow time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Measurer == nil {
		c.Measurer = NewStaticMeasurer()
	}
	if c.SyncWindow <= 0 {
		c.SyncWindow = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller keeps the overlay tree in step with a page.Registry.
type Controller struct {
	reg      *page.Registry
	dispatch Dispatcher
	measure  Measurer
	logger   *slog.Logger
	labels   *bluemonday.Policy

	mu           sync.Mutex
	root         *html.Node
	nodes        map[string]*html.Node // container and component overlays by id
	placeholders map[string]*html.Node // by container id
	boxes        map[string]Box        // relative to the parent overlay
	generation   uint64                // registry generation the nodes belong to

	syncer     *debouncer
	unregister func()
}

// New creates a Controller and subscribes it to registry changes: every
// change re-renders the overlay structure and schedules a geometry sync.
func New(cfg Config) *Controller {
	cfg.defaults()
	c := &Controller{
		reg:          cfg.Registry,
		dispatch:     cfg.Dispatcher,
		measure:      cfg.Measurer,
		logger:       cfg.Logger,
		labels:       bluemonday.StrictPolicy(),
		root:         element("div", "", html.Attribute{Key: "id", Val: RootID}),
		nodes:        make(map[string]*html.Node),
		placeholders: make(map[string]*html.Node),
		boxes:        make(map[string]Box),
	}
	c.syncer = newDebouncer(debounceConfig{Window: cfg.SyncWindow}, func() {
		if err := c.Sync(context.Background()); err != nil {
			c.logger.Warn("overlay: sync", "error", err)
		}
	})
	c.unregister = c.reg.RegisterChangeListener(func() {
		c.renderStructure()
		c.RequestSync()
	})
	return c
}

// Close detaches the controller from the registry.
func (c *Controller) Close() {
	c.unregister()
	c.syncer.stop()
}

// Render brings the overlay tree in line with the registry and syncs
// geometry.
func (c *Controller) Render(ctx context.Context) error {
	c.renderStructure()
	return c.Sync(ctx)
}

// renderStructure creates, reorders and removes overlay nodes. Nodes are
// reused per id: the registry's overlay reference wins, then the
// controller's own map.
func (c *Controller) renderStructure() {
	snap := c.reg.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.Generation != c.generation {
		c.discardLocked()
		c.generation = snap.Generation
	}

	seen := make(map[string]bool)
	for _, ci := range snap.Containers {
		cn := c.ensure(ci.ID, ClassContainer)
		setClasses(cn, ClassContainer, flag(ci.Disabled, ClassDisabled), flag(ci.Inherited, ClassInherited))
		setAttr(cn, "data-label", c.label(ci.Label))
		seen[ci.ID] = true

		parent := c.root
		if ci.Parent != "" {
			if pn, ok := c.nodes[ci.Parent]; ok {
				parent = pn
			}
		}
		reparent(cn, parent)

		for _, comp := range ci.Components {
			n := c.ensure(comp.ID, ClassComponent)
			setClasses(n, ClassComponent, flag(comp.Locked, ClassLocked))
			setLabel(n, c.label(comp.Label))
			reparent(n, cn)
			seen[comp.ID] = true
		}
		c.placeholder(ci.ID, cn, len(ci.Components) == 0)
	}

	for id, n := range c.nodes {
		if seen[id] {
			continue
		}
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
		delete(c.nodes, id)
		delete(c.boxes, id)
	}
	for id, ph := range c.placeholders {
		if !seen[id] {
			if ph.Parent != nil {
				ph.Parent.RemoveChild(ph)
			}
			delete(c.placeholders, id)
		}
	}
}

// discardLocked drops every overlay node, placeholder and box. A reloaded
// page starts from an empty overlay.
func (c *Controller) discardLocked() {
	for id, n := range c.nodes {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
		delete(c.nodes, id)
	}
	for id, ph := range c.placeholders {
		if ph.Parent != nil {
			ph.Parent.RemoveChild(ph)
		}
		delete(c.placeholders, id)
	}
	c.boxes = make(map[string]Box)
	c.logger.Debug("overlay: discarded nodes of previous page")
}

// ensure returns the overlay node for id, creating it once.
func (c *Controller) ensure(id, class string) *html.Node {
	n := c.reg.Overlay(id)
	if n == nil {
		n = c.nodes[id]
	}
	if n == nil {
		n = element("div", class, html.Attribute{Key: "data-id", Val: id})
		c.logger.Debug("overlay: created", "id", id)
	}
	c.nodes[id] = n
	if err := c.reg.SetOverlay(id, n); err != nil {
		c.logger.Debug("overlay: element vanished during render", "id", id)
	}
	return n
}

// placeholder adds or removes the drop placeholder of a container.
func (c *Controller) placeholder(id string, cn *html.Node, empty bool) {
	ph, ok := c.placeholders[id]
	switch {
	case empty && !ok:
		ph = element("div", ClassPlaceholder)
		c.placeholders[id] = ph
		cn.AppendChild(ph)
	case empty && ok:
		reparent(ph, cn)
	case !empty && ok:
		if ph.Parent != nil {
			ph.Parent.RemoveChild(ph)
		}
		delete(c.placeholders, id)
	}
}

func (c *Controller) label(s string) string {
	return html.UnescapeString(c.labels.Sanitize(s))
}

// Node returns the overlay node of a container or component.
func (c *Controller) Node(id string) (*html.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Placeholder returns the placeholder node of an empty container.
func (c *Controller) Placeholder(containerID string) (*html.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.placeholders[containerID]
	return n, ok
}

// HTML renders the overlay document.
func (c *Controller) HTML() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, c.root); err != nil {
		return "", fmt.Errorf("overlay: render: %w", err)
	}
	return buf.String(), nil
}

// Drop applies a drag of componentID into containerID at index. Within one
// container it becomes a rearrange, across containers a move.
func (c *Controller) Drop(ctx context.Context, componentID, containerID string, index int) error {
	comp, ok := c.reg.Component(componentID)
	if !ok {
		return fmt.Errorf("overlay: drop %q: %w", componentID, page.ErrUnknownID)
	}
	from, ok := c.reg.ContainerOf(componentID)
	if !ok {
		return fmt.Errorf("overlay: drop %q: %w", componentID, page.ErrUnknownID)
	}
	to, ok := c.reg.Container(containerID)
	if !ok {
		return fmt.Errorf("overlay: drop into %q: %w", containerID, page.ErrUnknownID)
	}
	switch {
	case comp.Locked():
		return fmt.Errorf("%w: %q is locked by %s", ErrNotDroppable, componentID, comp.LockedBy())
	case !from.Droppable():
		return fmt.Errorf("%w: %q cannot leave %q", ErrNotDroppable, componentID, from.ID())
	case !to.Droppable():
		return fmt.Errorf("%w: %q does not accept components", ErrNotDroppable, containerID)
	}

	c.logger.Info("overlay: drop", "component", componentID, "from", from.ID(), "to", containerID, "index", index)
	if from.ID() == containerID {
		return c.dispatch.Rearrange(ctx, containerID, moveTo(c.reg.ComponentIDs(containerID), componentID, index))
	}
	return c.dispatch.Move(ctx, componentID, containerID, index)
}

// moveTo returns ids with id placed at index.
func moveTo(ids []string, id string, index int) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if index < 0 || index > len(out) {
		index = len(out)
	}
	out = append(out[:index], append([]string{id}, out[index:]...)...)
	return out
}

func element(tag, class string, attrs ...html.Attribute) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	if class != "" {
		n.Attr = append(n.Attr, html.Attribute{Key: "class", Val: class})
	}
	n.Attr = append(n.Attr, attrs...)
	return n
}

func reparent(n, parent *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
	parent.AppendChild(n)
}

func flag(on bool, class string) string {
	if on {
		return class
	}
	return ""
}

func setClasses(n *html.Node, classes ...string) {
	val := ""
	for _, c := range classes {
		if c == "" {
			continue
		}
		if val != "" {
			val += " "
		}
		val += c
	}
	setAttr(n, "class", val)
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// setLabel keeps the label span as the first child of a component overlay.
func setLabel(n *html.Node, text string) {
	span := n.FirstChild
	if span == nil || attr(span, "class") != ClassLabel {
		span = element("span", ClassLabel)
		n.InsertBefore(span, n.FirstChild)
	}
	if span.FirstChild == nil {
		span.AppendChild(&html.Node{Type: html.TextNode})
	}
	span.FirstChild.Data = text
}
