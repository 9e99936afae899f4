package page

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Anchor locates the first rendered element of a container or component so
// that a live copy of the page can be measured.
type Anchor struct {
	ID    string `json:"id"`
	XPath string `json:"xpath"`
}

// Anchors returns one Anchor per container and component that owns at least
// one element, containers first, in document order.
func (r *Registry) Anchors() []Anchor {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Anchor
	add := func(id string, reg Region) {
		for _, n := range reg.Nodes() {
			if n.Type == html.ElementNode {
				out = append(out, Anchor{ID: id, XPath: XPath(n)})
				return
			}
		}
	}
	for _, c := range r.containers {
		add(c.id, c.region)
	}
	for _, c := range r.containers {
		for _, id := range c.components {
			if comp := r.components[id]; comp != nil {
				add(id, comp.region)
			}
		}
	}
	return out
}

// XPath computes an absolute XPath for an element, indexing a step only
// when the parent has several children with the same tag.
func XPath(n *html.Node) string {
	var steps []string
	for e := n; e != nil && e.Type == html.ElementNode; e = e.Parent {
		switch e.DataAtom {
		case atom.Html:
			steps = append(steps, "html")
			continue
		case atom.Body, atom.Head:
			steps = append(steps, e.Data)
			continue
		}
		idx, total := 1, 0
		if e.Parent != nil {
			for s := e.Parent.FirstChild; s != nil; s = s.NextSibling {
				if s.Type != html.ElementNode || s.Data != e.Data {
					continue
				}
				total++
				if s == e {
					idx = total
				}
			}
		}
		if total > 1 {
			steps = append(steps, fmt.Sprintf("%s[%d]", e.Data, idx))
		} else {
			steps = append(steps, e.Data)
		}
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return "/" + strings.Join(steps, "/")
}
