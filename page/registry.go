package page

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/net/html"

	"github.com/hazyhaar/pagecomposer/marker"
)

var (
	// ErrUnknownID is returned when an operation names an id the registry
	// does not hold.
	ErrUnknownID = errors.New("page: unknown element id")

	// ErrInvalidOrder is returned by Reorder when the new order is not a
	// permutation of the container's current components.
	ErrInvalidOrder = errors.New("page: order is not a permutation of the container's components")

	errDuplicateID = errors.New("page: duplicate element id")
)

// scope directs components found during a reconcile into the old element's
// slot instead of the end of their container. id is the component being
// reconciled; its replacement goes to container whatever markup holds it.
type scope struct {
	id        string
	container string
	index     int
}

type listener struct {
	id int
	fn func()
}

// Registry is the structural graph of one loaded page. All methods are safe
// for concurrent use; every mutation runs under one mutex and change
// listeners are called after it is released.
type Registry struct {
	logger *slog.Logger
	parser *marker.Parser

	mu         sync.Mutex
	doc        *html.Node
	page       *PageMeta
	containers []*Container // document order
	components map[string]*Component
	links      []*Link
	head       map[string]struct{}
	headOrder  []string
	scope      *scope
	generation uint64 // bumped whenever the graph is discarded

	listeners    []listener
	nextListener int
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:     logger,
		parser:     marker.NewParser(marker.Config{Logger: logger}),
		components: make(map[string]*Component),
		head:       make(map[string]struct{}),
	}
}

// RegisterChangeListener adds fn to the listeners notified after every
// mutation. The returned function removes it again.
func (r *Registry) RegisterChangeListener(fn func()) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextListener++
	id := r.nextListener
	r.listeners = append(r.listeners, listener{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.listeners {
			if l.id == id {
				r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// unlockAndNotify releases the mutex and then calls every listener once.
func (r *Registry) unlockAndNotify() {
	fns := make([]func(), 0, len(r.listeners))
	for _, l := range r.listeners {
		fns = append(fns, l.fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Load discards the current graph and builds a new one from doc. Listeners
// are notified once, after links are attached.
func (r *Registry) Load(doc *html.Node) marker.Result {
	r.mu.Lock()
	r.resetLocked()
	r.doc = doc
	res := r.parser.Parse([]*html.Node{doc}, r.registerLocked)
	r.attachLinksLocked()
	r.sortLocked()
	r.logger.Info("page: structure loaded",
		"containers", len(r.containers),
		"components", len(r.components),
		"links", len(r.links),
		"skipped", len(res.Skipped),
	)
	r.unlockAndNotify()
	return res
}

// Clear empties the registry and notifies listeners.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.resetLocked()
	r.unlockAndNotify()
}

// Reset is Clear; it is called when the editor navigates to another page.
func (r *Registry) Reset() { r.Clear() }

func (r *Registry) resetLocked() {
	r.generation++
	for _, c := range r.containers {
		c.overlay = nil
		c.phase = PhaseRemoved
	}
	for _, c := range r.components {
		c.overlay = nil
		c.phase = PhaseRemoved
	}
	r.doc = nil
	r.page = nil
	r.containers = nil
	r.components = make(map[string]*Component)
	r.links = nil
	r.head = make(map[string]struct{})
	r.headOrder = nil
	r.scope = nil
}

// RegisterParsedElement records one start marker. It is the parser callback
// used by Load and Reconcile; callers that drive the parser themselves must
// finish with AttachEmbeddedLinks, which also notifies listeners.
func (r *Registry) RegisterParsedElement(comment *html.Node, meta marker.Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc == nil {
		r.doc = root(comment)
	}
	return r.registerLocked(comment, meta)
}

func (r *Registry) registerLocked(n *html.Node, meta marker.Meta) error {
	switch meta.Type {
	case marker.KindContainer:
		if r.containerLocked(meta.ID) != nil {
			return fmt.Errorf("%w: container %q", errDuplicateID, meta.ID)
		}
		c, err := newContainer(n, meta)
		if err != nil {
			return err
		}
		if enc, ok := r.innermostElementLocked(n).(*Component); ok {
			c.parent = enc.id
		}
		r.containers = append(r.containers, c)

	case marker.KindComponent:
		if old, ok := r.components[meta.ID]; ok {
			// A component moved locally keeps its old markup until the
			// source container is rendered again; that markup may already
			// be gone from the document.
			if root(old.region.Start) == root(n) {
				return fmt.Errorf("%w: component %q", errDuplicateID, meta.ID)
			}
			r.forgetComponentLocked(old)
			old.phase = PhaseRemoved
		}
		cont := r.innermostContainerLocked(n)
		if s := r.scope; s != nil && s.id == meta.ID {
			if owner := r.containerLocked(s.container); owner != nil {
				cont = owner
			}
		}
		comp, err := newComponent(n, meta, cont)
		if err != nil {
			return err
		}
		if s := r.scope; s != nil && s.container == cont.id {
			cont.insertAt(comp.id, s.index)
			s.index++
		} else {
			cont.components = append(cont.components, comp.id)
		}
		r.components[comp.id] = comp

	case marker.KindContentLink, marker.KindMenuLink:
		l, err := newLink(n, meta)
		if err != nil {
			return err
		}
		r.links = append(r.links, l)

	case marker.KindPage:
		r.page = &PageMeta{ID: meta.ID, Meta: meta}

	case marker.KindUnprocessedHeadContrib, marker.KindProcessedHeadContrib:
		for _, el := range meta.HeadElements {
			if _, ok := r.head[el]; !ok {
				r.head[el] = struct{}{}
				r.headOrder = append(r.headOrder, el)
			}
		}
		switch enc := r.innermostElementLocked(n).(type) {
		case *Component:
			enc.head = append(enc.head, meta.HeadElements...)
		case *Container:
			enc.head = append(enc.head, meta.HeadElements...)
		}

	default:
		return &marker.UnknownTypeError{Type: meta.Type}
	}
	return nil
}

// AttachEmbeddedLinks resolves the enclosing element of every unattached
// link. Already attached links are left alone.
func (r *Registry) AttachEmbeddedLinks() {
	r.mu.Lock()
	if r.attachLinksLocked() == 0 {
		r.mu.Unlock()
		return
	}
	r.unlockAndNotify()
}

func (r *Registry) attachLinksLocked() int {
	n := 0
	for _, l := range r.links {
		if l.Attached() {
			continue
		}
		switch enc := r.innermostElementLocked(l.region.Start).(type) {
		case *Component:
			l.enclosing, l.enclosingKind = enc.id, marker.KindComponent
		case *Container:
			l.enclosing, l.enclosingKind = enc.id, marker.KindContainer
		default:
			l.enclosing, l.enclosingKind = PageLevel, marker.KindPage
		}
		l.phase = PhaseAttached
		n++
	}
	for _, c := range r.containers {
		if c.phase == PhaseParsed {
			c.phase = PhaseAttached
		}
	}
	for _, c := range r.components {
		if c.phase == PhaseParsed {
			c.phase = PhaseAttached
		}
	}
	return n
}

// innermostContainerLocked returns the deepest container whose region holds
// n. Containers are kept in document order and nested ones start later, so
// the last match wins.
func (r *Registry) innermostContainerLocked(n *html.Node) *Container {
	for i := len(r.containers) - 1; i >= 0; i-- {
		if c := r.containers[i]; c.region.Contains(n) {
			return c
		}
	}
	return nil
}

// innermostElementLocked returns the deepest container or component whose
// region holds n, or nil.
func (r *Registry) innermostElementLocked(n *html.Node) Element {
	c := r.innermostContainerLocked(n)
	if c == nil {
		return nil
	}
	// A component moved locally stays in its source container's markup
	// until that container is rendered again, so c.components is not enough.
	for _, comp := range r.components {
		if comp.region.Contains(n) && c.region.Contains(comp.region.Start) {
			return comp
		}
	}
	return c
}

func (r *Registry) containerLocked(id string) *Container {
	for _, c := range r.containers {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (r *Registry) elementLocked(id string) Element {
	if c := r.containerLocked(id); c != nil {
		return c
	}
	if c, ok := r.components[id]; ok {
		return c
	}
	return nil
}

// sortLocked restores document order after fragments were spliced in.
func (r *Registry) sortLocked() {
	if r.doc == nil {
		return
	}
	pos := make(map[*html.Node]int)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.CommentNode {
			pos[n] = len(pos)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(r.doc)
	sort.SliceStable(r.containers, func(i, j int) bool {
		return pos[r.containers[i].region.Start] < pos[r.containers[j].region.Start]
	})
	sort.SliceStable(r.links, func(i, j int) bool {
		return pos[r.links[i].region.Start] < pos[r.links[j].region.Start]
	})
}

// forgetComponentLocked drops a component and everything nested in it from
// the graph. The document is not touched.
func (r *Registry) forgetComponentLocked(c *Component) {
	if cont := r.containerLocked(c.container); cont != nil {
		cont.removeID(c.id)
	}
	delete(r.components, c.id)
	var nested []*Container
	for _, cc := range r.containers {
		if cc.parent == c.id {
			nested = append(nested, cc)
		}
	}
	for _, cc := range nested {
		r.forgetContainerLocked(cc)
	}
}

func (r *Registry) forgetContainerLocked(c *Container) {
	for i, cc := range r.containers {
		if cc == c {
			r.containers = append(r.containers[:i], r.containers[i+1:]...)
			break
		}
	}
	for _, id := range append([]string(nil), c.components...) {
		if comp := r.components[id]; comp != nil {
			r.forgetComponentLocked(comp)
		}
	}
}

// dropLinksWithinLocked forgets every link located inside reg.
func (r *Registry) dropLinksWithinLocked(reg Region) {
	kept := r.links[:0]
	for _, l := range r.links {
		if reg.Contains(l.region.Start) {
			l.phase = PhaseRemoved
			continue
		}
		kept = append(kept, l)
	}
	for i := len(kept); i < len(r.links); i++ {
		r.links[i] = nil
	}
	r.links = kept
}

// Containers returns every container in document order.
func (r *Registry) Containers() []*Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Container(nil), r.containers...)
}

// Container looks a container up by id.
func (r *Registry) Container(id string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.containerLocked(id)
	return c, c != nil
}

// Component looks a component up by id.
func (r *Registry) Component(id string) (*Component, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[id]
	return c, ok
}

// ComponentIDs returns the ordered component ids of a container.
func (r *Registry) ComponentIDs(containerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.containerLocked(containerID); c != nil {
		return append([]string(nil), c.components...)
	}
	return nil
}

// ContainerOf returns the container currently holding a component.
func (r *Registry) ContainerOf(componentID string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	comp, ok := r.components[componentID]
	if !ok {
		return nil, false
	}
	c := r.containerLocked(comp.container)
	return c, c != nil
}

// EnclosingComponent returns the id of the component a nested container
// lives in, or "".
func (r *Registry) EnclosingComponent(containerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.containerLocked(containerID); c != nil {
		return c.parent
	}
	return ""
}

// Links returns the embedded links in document order.
func (r *Registry) Links() []*Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Link(nil), r.links...)
}

// Page returns the PAGE marker of the loaded document, if any.
func (r *Registry) Page() (PageMeta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.page == nil {
		return PageMeta{}, false
	}
	return *r.page, true
}

// HeadContributions returns the page-level head elements in the order they
// were first seen.
func (r *Registry) HeadContributions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.headOrder...)
}

// Overlay returns the overlay node recorded for a container or component.
func (r *Registry) Overlay(id string) *html.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := r.elementLocked(id).(type) {
	case *Container:
		return e.overlay
	case *Component:
		return e.overlay
	}
	return nil
}

// SetOverlay records the overlay node drawn for a container or component.
// The registry never creates or frees overlay nodes.
func (r *Registry) SetOverlay(id string, n *html.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := r.elementLocked(id).(type) {
	case *Container:
		e.overlay = n
	case *Component:
		e.overlay = n
	default:
		return fmt.Errorf("page: set overlay %q: %w", id, ErrUnknownID)
	}
	return nil
}

// State reports the lifecycle phase and sync state of an element.
func (r *Registry) State(id string) (Phase, SyncState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := r.elementLocked(id).(type) {
	case *Container:
		return e.phase, e.sync, true
	case *Component:
		return e.phase, e.sync, true
	}
	return PhaseUnparsed, "", false
}

// HTML renders the current document.
func (r *Registry) HTML() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, r.doc); err != nil {
		return "", fmt.Errorf("page: render document: %w", err)
	}
	return buf.String(), nil
}

// RemoveComponent deletes a component, its markup and the links inside it.
// Callers invoke it once the backend has confirmed the removal.
func (r *Registry) RemoveComponent(id string) error {
	r.mu.Lock()
	comp, ok := r.components[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("page: remove component %q: %w", id, ErrUnknownID)
	}
	r.dropLinksWithinLocked(comp.region)
	comp.region.Remove()
	r.forgetComponentLocked(comp)
	comp.overlay = nil
	comp.phase = PhaseRemoved
	r.unlockAndNotify()
	return nil
}

// Reorder replaces the component order of a container. The document follows
// when the container is next rendered.
func (r *Registry) Reorder(containerID string, ids []string) error {
	r.mu.Lock()
	c := r.containerLocked(containerID)
	if c == nil {
		r.mu.Unlock()
		return fmt.Errorf("page: reorder %q: %w", containerID, ErrUnknownID)
	}
	if !samePermutation(c.components, ids) {
		r.mu.Unlock()
		return fmt.Errorf("page: reorder %q: %w", containerID, ErrInvalidOrder)
	}
	c.components = append([]string(nil), ids...)
	r.unlockAndNotify()
	return nil
}

// MoveComponent takes a component out of its container and inserts it into
// another at index. Both sides change before listeners run.
func (r *Registry) MoveComponent(componentID, toContainerID string, index int) error {
	r.mu.Lock()
	comp, ok := r.components[componentID]
	to := r.containerLocked(toContainerID)
	if !ok || to == nil {
		r.mu.Unlock()
		return fmt.Errorf("page: move %q to %q: %w", componentID, toContainerID, ErrUnknownID)
	}
	if from := r.containerLocked(comp.container); from != nil {
		from.removeID(comp.id)
	}
	to.insertAt(comp.id, index)
	comp.container = to.id
	r.unlockAndNotify()
	return nil
}

// MarkSync sets the sync state of the given elements. Unknown ids are
// ignored: they were replaced or removed while the caller waited.
func (r *Registry) MarkSync(state SyncState, ids ...string) {
	r.mu.Lock()
	changed := false
	for _, id := range ids {
		switch e := r.elementLocked(id).(type) {
		case *Container:
			changed = changed || e.sync != state
			e.sync = state
		case *Component:
			changed = changed || e.sync != state
			e.sync = state
		}
	}
	if !changed {
		r.mu.Unlock()
		return
	}
	r.unlockAndNotify()
}

func samePermutation(have, want []string) bool {
	if len(have) != len(want) {
		return false
	}
	seen := make(map[string]int, len(have))
	for _, id := range have {
		seen[id]++
	}
	for _, id := range want {
		if seen[id] == 0 {
			return false
		}
		seen[id]--
	}
	return true
}

func root(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}
