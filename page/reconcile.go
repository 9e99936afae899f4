package page

import (
	"errors"
	"fmt"

	"golang.org/x/net/html"

	"github.com/hazyhaar/pagecomposer/marker"
)

// ErrReloadRequired is returned when fresh markup cannot be patched into the
// document, typically because it needs head elements the page does not have.
var ErrReloadRequired = errors.New("page: full page reload required")

// Reconcile swaps the markup of the container or component id for markup
// rendered by the backend and re-registers whatever the fragment contains.
//
// A replacement with the same id takes the old element's index and overlay
// node. When the fragment holds no such element the old one is removed and
// Reconcile returns (nil, nil). Listeners are notified once.
func (r *Registry) Reconcile(id, markup string) (Element, error) {
	holder, err := marker.ParseFragment(markup)
	if err != nil {
		return nil, fmt.Errorf("page: reconcile %q: %w", id, err)
	}

	r.mu.Lock()
	old := r.elementLocked(id)
	if old == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("page: reconcile %q: %w", id, ErrUnknownID)
	}
	if missing := r.missingHeadLocked(marker.Children(holder)); len(missing) > 0 {
		r.mu.Unlock()
		r.logger.Warn("page: fragment needs new head elements", "id", id, "elements", missing)
		return nil, fmt.Errorf("page: reconcile %q: %w", id, ErrReloadRequired)
	}

	if dup := r.foreignIDsLocked(old, marker.Children(holder)); len(dup) > 0 {
		r.mu.Unlock()
		r.logger.Warn("page: fragment repeats elements held elsewhere", "id", id, "elements", dup)
		return nil, fmt.Errorf("page: reconcile %q: %w", id, ErrReloadRequired)
	}

	overlays := make(map[string]*html.Node)
	r.collectOverlaysLocked(old, overlays)
	r.dropLinksWithinLocked(old.Region())

	var oldBase *base
	switch e := old.(type) {
	case *Container:
		oldBase = &e.base
		r.forgetContainerLocked(e)
	case *Component:
		oldBase = &e.base
		r.scope = &scope{id: e.id, container: e.container, index: -1}
		if cont := r.containerLocked(e.container); cont != nil {
			r.scope.index = cont.indexOf(e.id)
		}
		r.forgetComponentLocked(e)
	}
	oldBase.phase = PhaseStale

	inserted, err := old.Region().Replace(holder)
	if err != nil {
		r.logger.Error("page: replace markup", "id", id, "error", err)
	} else {
		r.parser.Parse(inserted, r.registerLocked)
	}
	r.scope = nil

	repl := r.elementLocked(id)
	for oid, n := range overlays {
		switch e := r.elementLocked(oid).(type) {
		case *Container:
			e.overlay = n
		case *Component:
			e.overlay = n
		}
	}
	oldBase.overlay = nil
	if repl != nil {
		oldBase.phase = PhaseReplaced
	} else {
		oldBase.phase = PhaseRemoved
		r.logger.Info("page: element removed by reconcile", "id", id, "kind", string(old.Kind()))
	}

	r.attachLinksLocked()
	r.sortLocked()
	r.unlockAndNotify()

	if repl == nil {
		return nil, nil
	}
	return repl, nil
}

// missingHeadLocked lists head elements named in nodes that the page does
// not already carry.
func (r *Registry) missingHeadLocked(nodes []*html.Node) []string {
	var missing []string
	for _, el := range marker.HeadElements(nodes) {
		if _, ok := r.head[el]; !ok {
			missing = append(missing, el)
		}
	}
	return missing
}

// foreignIDsLocked lists the container and component ids in nodes that the
// registry already holds outside old. Patching them in would leave two
// copies of their markup in the document. Components whose markup is no
// longer attached to the document do not count.
func (r *Registry) foreignIDsLocked(old Element, nodes []*html.Node) []string {
	owned := make(map[string]bool)
	r.collectIDsLocked(old, owned)
	doc := root(old.Region().Start)

	var dup []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.CommentNode {
			meta, err := marker.Decode(n.Data)
			if err != nil || meta.End || owned[meta.ID] {
				return
			}
			switch meta.Type {
			case marker.KindContainer:
				if r.containerLocked(meta.ID) != nil {
					dup = append(dup, meta.ID)
				}
			case marker.KindComponent:
				if c, ok := r.components[meta.ID]; ok && root(c.region.Start) == doc {
					dup = append(dup, meta.ID)
				}
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return dup
}

// collectIDsLocked records the id of e and of everything nested in it.
func (r *Registry) collectIDsLocked(e Element, into map[string]bool) {
	switch e := e.(type) {
	case *Container:
		into[e.id] = true
		for _, id := range e.components {
			if comp := r.components[id]; comp != nil {
				r.collectIDsLocked(comp, into)
			}
		}
	case *Component:
		into[e.id] = true
		for _, c := range r.containers {
			if c.parent == e.id {
				r.collectIDsLocked(c, into)
			}
		}
	}
}

// collectOverlaysLocked records the overlay nodes of e and of everything
// nested in it, keyed by id.
func (r *Registry) collectOverlaysLocked(e Element, into map[string]*html.Node) {
	switch e := e.(type) {
	case *Container:
		if e.overlay != nil {
			into[e.id] = e.overlay
		}
		for _, id := range e.components {
			if comp := r.components[id]; comp != nil {
				r.collectOverlaysLocked(comp, into)
			}
		}
	case *Component:
		if e.overlay != nil {
			into[e.id] = e.overlay
		}
		for _, c := range r.containers {
			if c.parent == e.id {
				r.collectOverlaysLocked(c, into)
			}
		}
	}
}
