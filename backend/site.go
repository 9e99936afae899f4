package backend

import (
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/pagecomposer/marker"
)

// Site is the page model a Memory backend renders.
type Site struct {
	PageID     string
	Title      string
	Head       []string // page-level head elements
	MenuID     string   // page-level menu link, optional
	Containers []*Container
}

// Container is a drop zone of the site model.
type Container struct {
	ID         string
	Label      string
	XType      string
	Disabled   bool
	Inherited  bool
	LockedBy   string
	Components []*Component
}

// Component is a rendered item of the site model. Body is trusted markup.
type Component struct {
	ID         string
	Label      string
	Body       string
	Head       []string
	Links      []string // content link uuids
	Containers []*Container
	LockedBy   string

	lastModified int64
}

// Template is a catalog entry AddComponent instantiates.
type Template struct {
	Label string
	Body  string
	Head  []string
}

// walk visits every container depth first. fn returns false to stop.
func walk(cs []*Container, parent *Component, fn func(c *Container, parent *Component) bool) bool {
	for _, c := range cs {
		if !fn(c, parent) {
			return false
		}
		for _, comp := range c.Components {
			if !walk(comp.Containers, comp, fn) {
				return false
			}
		}
	}
	return true
}

func (s *Site) container(id string) *Container {
	var found *Container
	walk(s.Containers, nil, func(c *Container, _ *Component) bool {
		if c.ID == id {
			found = c
			return false
		}
		return true
	})
	return found
}

// component returns a component and the container holding it.
func (s *Site) component(id string) (*Component, *Container) {
	var comp *Component
	var in *Container
	walk(s.Containers, nil, func(c *Container, _ *Component) bool {
		for _, x := range c.Components {
			if x.ID == id {
				comp, in = x, c
				return false
			}
		}
		return true
	})
	return comp, in
}

// pageWriter builds marker markup and keeps the first encoding error.
type pageWriter struct {
	strings.Builder
	err error
}

func (w *pageWriter) marker(m marker.Meta) {
	body, err := marker.Encode(m)
	if err != nil {
		if w.err == nil {
			w.err = fmt.Errorf("backend: encode %s marker %q: %w", m.Type, m.ID, err)
		}
		return
	}
	w.WriteString("<!--" + body + "-->")
}

func (w *pageWriter) result() (string, error) {
	if w.err != nil {
		return "", w.err
	}
	return w.String(), nil
}

func renderPage(s *Site) (string, error) {
	var b pageWriter
	b.WriteString("<!DOCTYPE html><html><head><title>")
	b.WriteString(html.EscapeString(s.Title))
	b.WriteString("</title></head><body>")
	b.marker(marker.Meta{Type: marker.KindPage, ID: s.PageID})
	if len(s.Head) > 0 {
		b.marker(marker.Meta{Type: marker.KindUnprocessedHeadContrib, HeadElements: s.Head})
	}
	if s.MenuID != "" {
		b.marker(marker.Meta{Type: marker.KindMenuLink, ID: "menu-" + s.MenuID, MenuID: s.MenuID})
	}
	for _, c := range s.Containers {
		renderContainer(&b, c)
	}
	b.WriteString("</body></html>")
	return b.result()
}

func renderContainer(b *pageWriter, c *Container) {
	m := marker.Meta{
		Type:      marker.KindContainer,
		ID:        c.ID,
		Label:     c.Label,
		XType:     c.XType,
		Disabled:  c.Disabled,
		Inherited: c.Inherited,
		LockedBy:  c.LockedBy,
	}
	b.marker(m)
	b.WriteString(`<div class="hst-container">`)
	for _, comp := range c.Components {
		b.WriteString(`<div class="hst-container-item">`)
		renderComponent(b, comp, nil)
		b.WriteString(`</div>`)
	}
	b.WriteString(`</div>`)
	b.marker(m.EndMeta())
}

// renderComponent writes comp. props preview unsaved properties: "label"
// overrides the label, every property becomes a data-prop-* attribute.
func renderComponent(b *pageWriter, comp *Component, props map[string]string) {
	m := marker.Meta{
		Type:         marker.KindComponent,
		ID:           comp.ID,
		Label:        comp.Label,
		LastModified: marker.Opaque(strconv.FormatInt(comp.lastModified, 10)),
		LockedBy:     comp.LockedBy,
		Locked:       comp.LockedBy != "",
	}
	if l, ok := props["label"]; ok {
		m.Label = l
	}
	b.marker(m)
	b.WriteString(`<div class="hst-component"`)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(` data-prop-` + html.EscapeString(k) + `="` + html.EscapeString(props[k]) + `"`)
	}
	b.WriteString(`>`)
	if len(comp.Head) > 0 {
		b.marker(marker.Meta{Type: marker.KindUnprocessedHeadContrib, HeadElements: comp.Head})
	}
	b.WriteString(comp.Body)
	for _, uuid := range comp.Links {
		b.marker(marker.Meta{Type: marker.KindContentLink, ID: "link-" + uuid, UUID: uuid})
	}
	for _, c := range comp.Containers {
		renderContainer(b, c)
	}
	b.WriteString(`</div>`)
	b.marker(m.EndMeta())
}
