package page

import (
	"strings"

	"github.com/hazyhaar/pagecomposer/marker"
)

// Structure is a point-in-time copy of the registry graph, safe to hand to
// other goroutines and to encode as JSON.
type Structure struct {
	Page              string          `json:"page,omitempty"`
	Containers        []ContainerInfo `json:"containers"`
	Links             []LinkInfo      `json:"links"`
	HeadContributions []string        `json:"headContributions,omitempty"`

	// Generation changes every time the page is loaded again or cleared;
	// nothing from an earlier generation refers to the current one.
	Generation uint64 `json:"generation"`
}

type ContainerInfo struct {
	ID         string          `json:"id"`
	Label      string          `json:"label,omitempty"`
	XType      string          `json:"xtype,omitempty"`
	Disabled   bool            `json:"disabled,omitempty"`
	Inherited  bool            `json:"inherited,omitempty"`
	Parent     string          `json:"parent,omitempty"`
	Phase      string          `json:"phase"`
	Sync       SyncState       `json:"sync"`
	Components []ComponentInfo `json:"components"`
}

type ComponentInfo struct {
	ID           string    `json:"id"`
	Label        string    `json:"label,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	LockedBy     string    `json:"lockedBy,omitempty"`
	Locked       bool      `json:"locked,omitempty"`
	Phase        string    `json:"phase"`
	Sync         SyncState `json:"sync"`
	Markup       string    `json:"-"`
}

type LinkInfo struct {
	ID            string      `json:"id,omitempty"`
	Kind          marker.Kind `json:"kind"`
	UUID          string      `json:"uuid,omitempty"`
	MenuID        string      `json:"menuId,omitempty"`
	Enclosing     string      `json:"enclosing"`
	EnclosingKind marker.Kind `json:"enclosingKind"`
}

// Snapshot copies the current graph.
func (r *Registry) Snapshot() Structure {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Structure{Generation: r.generation}
	if r.page != nil {
		s.Page = r.page.ID
	}
	s.HeadContributions = append([]string(nil), r.headOrder...)
	s.Containers = make([]ContainerInfo, 0, len(r.containers))
	for _, c := range r.containers {
		ci := ContainerInfo{
			ID:         c.id,
			Label:      c.Label(),
			XType:      c.XType(),
			Disabled:   c.Disabled(),
			Inherited:  c.Inherited(),
			Parent:     c.parent,
			Phase:      c.phase.String(),
			Sync:       c.sync,
			Components: make([]ComponentInfo, 0, len(c.components)),
		}
		for _, id := range c.components {
			comp := r.components[id]
			if comp == nil {
				continue
			}
			ci.Components = append(ci.Components, ComponentInfo{
				ID:           comp.id,
				Label:        comp.Label(),
				LastModified: comp.LastModified(),
				LockedBy:     comp.LockedBy(),
				Locked:       comp.Locked(),
				Phase:        comp.phase.String(),
				Sync:         comp.sync,
				Markup:       comp.region.HTML(),
			})
		}
		s.Containers = append(s.Containers, ci)
	}
	s.Links = make([]LinkInfo, 0, len(r.links))
	for _, l := range r.links {
		s.Links = append(s.Links, LinkInfo{
			ID:            l.id,
			Kind:          l.Kind(),
			UUID:          l.UUID(),
			MenuID:        l.MenuID(),
			Enclosing:     l.enclosing,
			EnclosingKind: l.enclosingKind,
		})
	}
	return s
}

// Order returns the container ids in document order, each followed by its
// component ids, as "container:comp,comp" strings.
func (s Structure) Order() []string {
	out := make([]string, 0, len(s.Containers))
	for _, c := range s.Containers {
		ids := make([]string, len(c.Components))
		for i, comp := range c.Components {
			ids[i] = comp.ID
		}
		out = append(out, c.ID+":"+strings.Join(ids, ","))
	}
	return out
}
