// Package page holds the structural model of the page loaded in the editor:
// the containers, components and embedded links announced by the backend's
// comment markers, the head contributions already present in the document,
// and the reconciliation of server-rendered fragments back into both.
//
// The Registry is the single source of truth. Back-references between
// elements (component to container, link to enclosing element) are id
// lookups into the registry, never stored pointers.
package page

import (
	"fmt"

	"golang.org/x/net/html"

	"github.com/hazyhaar/pagecomposer/marker"
)

// Phase is the lifecycle position of a structural element.
type Phase int

const (
	PhaseUnparsed Phase = iota
	PhaseParsed
	PhaseAttached
	PhaseStale
	PhaseReplaced
	PhaseRemoved
)

var phaseNames = [...]string{"unparsed", "parsed", "attached", "stale", "replaced", "removed"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// SyncState tracks whether local state for an element matches the backend.
type SyncState string

const (
	SyncConfirmed   SyncState = "confirmed"
	SyncPending     SyncState = "pending"
	SyncRollingBack SyncState = "rolling-back"
)

// Element is implemented by *Container, *Component and *Link.
type Element interface {
	ID() string
	Kind() marker.Kind
	Region() Region
	Meta() marker.Meta
}

// base carries what every element shares. Mutable fields are only touched
// under the registry mutex.
type base struct {
	id      string
	meta    marker.Meta
	region  Region
	overlay *html.Node
	phase   Phase
	sync    SyncState
}

func (b *base) ID() string        { return b.id }
func (b *base) Kind() marker.Kind { return b.meta.Type }
func (b *base) Region() Region    { return b.region }
func (b *base) Meta() marker.Meta { return b.meta }

func newBase(start *html.Node, meta marker.Meta) (base, error) {
	r := Region{Start: start, End: start}
	if meta.Type.Paired() {
		end, err := marker.FindEnd(start, meta)
		if err != nil {
			return base{}, err
		}
		r.End = end
	}
	return base{
		id:     meta.ID,
		meta:   meta,
		region: r,
		phase:  PhaseParsed,
		sync:   SyncConfirmed,
	}, nil
}

// Container is a drop zone holding an ordered list of components.
type Container struct {
	base
	components []string
	head       []string
	// parent is the id of the component enclosing a nested container.
	parent string
}

func (c *Container) Label() string   { return c.meta.Label }
func (c *Container) XType() string   { return c.meta.XType }
func (c *Container) Disabled() bool  { return c.meta.Disabled }
func (c *Container) Inherited() bool { return c.meta.Inherited }
func (c *Container) HeadContributions() []string {
	return append([]string(nil), c.head...)
}

// Droppable reports whether components may be dragged into or out of c.
func (c *Container) Droppable() bool {
	return !c.meta.Disabled && !c.meta.Inherited
}

func newContainer(start *html.Node, meta marker.Meta) (*Container, error) {
	b, err := newBase(start, meta)
	if err != nil {
		return nil, err
	}
	return &Container{base: b}, nil
}

func (c *Container) indexOf(id string) int {
	for i, cid := range c.components {
		if cid == id {
			return i
		}
	}
	return -1
}

func (c *Container) insertAt(id string, index int) {
	if index < 0 || index > len(c.components) {
		index = len(c.components)
	}
	c.components = append(c.components, "")
	copy(c.components[index+1:], c.components[index:])
	c.components[index] = id
}

func (c *Container) removeID(id string) int {
	i := c.indexOf(id)
	if i >= 0 {
		c.components = append(c.components[:i], c.components[i+1:]...)
	}
	return i
}

// Component is a draggable unit of content inside exactly one container.
type Component struct {
	base
	container string
	head      []string
}

func (c *Component) Label() string               { return c.meta.Label }
func (c *Component) LastModified() string        { return string(c.meta.LastModified) }
func (c *Component) Locked() bool                { return c.meta.Locked || c.meta.LockedBy != "" }
func (c *Component) LockedBy() string            { return c.meta.LockedBy }
func (c *Component) HeadContributions() []string { return append([]string(nil), c.head...) }

// StructuralContextError reports a component marker found outside any
// registered container.
type StructuralContextError struct {
	ComponentID string
}

func (e *StructuralContextError) Error() string {
	return fmt.Sprintf("page: component %q has no enclosing container", e.ComponentID)
}

func newComponent(start *html.Node, meta marker.Meta, container *Container) (*Component, error) {
	if container == nil {
		return nil, &StructuralContextError{ComponentID: meta.ID}
	}
	b, err := newBase(start, meta)
	if err != nil {
		return nil, err
	}
	return &Component{base: b, container: container.id}, nil
}

// PageLevel is the enclosing id of links that sit outside every container.
const PageLevel = "#page"

// Link is an embedded content or menu link.
type Link struct {
	base
	enclosing     string
	enclosingKind marker.Kind
}

func (l *Link) UUID() string   { return l.meta.UUID }
func (l *Link) MenuID() string { return l.meta.MenuID }

// Enclosing returns the id and kind of the element whose region contains the
// link, PageLevel for page-level links, or "" while unattached.
func (l *Link) Enclosing() (string, marker.Kind) { return l.enclosing, l.enclosingKind }

// Attached reports whether the link has been resolved.
func (l *Link) Attached() bool { return l.enclosing != "" }

func newLink(start *html.Node, meta marker.Meta) (*Link, error) {
	b, err := newBase(start, meta)
	if err != nil {
		return nil, err
	}
	return &Link{base: b}, nil
}

// PageMeta is the PAGE marker of the loaded document.
type PageMeta struct {
	ID   string
	Meta marker.Meta
}
