package page

import (
	"bytes"
	"errors"

	"golang.org/x/net/html"
)

// Region is the span of markup an element owns: Start and End are the
// delimiting marker comments, which are always siblings. Single markers
// (links) have Start == End.
type Region struct {
	Start *html.Node
	End   *html.Node
}

var errDetachedRegion = errors.New("page: region is detached from the document")

// Contains reports whether n lies inside the region, delimiters included.
func (r Region) Contains(n *html.Node) bool {
	if r.Start == nil || n == nil {
		return false
	}
	for a := n; a != nil; a = a.Parent {
		if a.Parent != r.Start.Parent {
			continue
		}
		for s := r.Start; s != nil; s = s.NextSibling {
			if s == a {
				return true
			}
			if s == r.End {
				break
			}
		}
		return false
	}
	return false
}

// Nodes returns the siblings strictly between Start and End.
func (r Region) Nodes() []*html.Node {
	var out []*html.Node
	if r.Start == nil || r.Start == r.End {
		return out
	}
	for s := r.Start.NextSibling; s != nil && s != r.End; s = s.NextSibling {
		out = append(out, s)
	}
	return out
}

// span returns Start..End inclusive.
func (r Region) span() []*html.Node {
	out := []*html.Node{r.Start}
	if r.Start == r.End {
		return out
	}
	out = append(out, r.Nodes()...)
	return append(out, r.End)
}

// Replace swaps Start..End (inclusive) for the children of holder and returns
// the inserted nodes. Holder is left empty.
func (r Region) Replace(holder *html.Node) ([]*html.Node, error) {
	parent := r.Start.Parent
	if parent == nil {
		return nil, errDetachedRegion
	}
	anchor := r.End.NextSibling

	for _, n := range r.span() {
		parent.RemoveChild(n)
	}

	var inserted []*html.Node
	for c := holder.FirstChild; c != nil; c = holder.FirstChild {
		holder.RemoveChild(c)
		parent.InsertBefore(c, anchor)
		inserted = append(inserted, c)
	}
	return inserted, nil
}

// Remove detaches Start..End from the document.
func (r Region) Remove() {
	parent := r.Start.Parent
	if parent == nil {
		return
	}
	for _, n := range r.span() {
		parent.RemoveChild(n)
	}
}

// Attached reports whether the region still hangs off a document.
func (r Region) Attached() bool {
	return r.Start != nil && r.Start.Parent != nil
}

// HTML renders the region's inner markup.
func (r Region) HTML() string {
	var buf bytes.Buffer
	for _, n := range r.Nodes() {
		html.Render(&buf, n)
	}
	return buf.String()
}
