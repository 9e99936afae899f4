// Package backend provides page.Backend implementations: an HTTP client for
// a remote rendering service, and an in-memory site that renders marker
// markup itself, with lock and not-found injection for demos and tests.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/hazyhaar/pagecomposer/intent"
	"github.com/hazyhaar/pagecomposer/page"
)

var errOrderMismatch = errors.New("backend: order is not a permutation of the container")

// Memory is a page.Backend over a Site held in memory.
type Memory struct {
	logger *slog.Logger
	newID  intent.Generator

	mu      sync.Mutex
	site    *Site
	catalog map[string]Template
	clock   int64
}

var _ page.Backend = (*Memory)(nil)

// MemoryOption customises NewMemory.
type MemoryOption func(*Memory)

func WithCatalog(c map[string]Template) MemoryOption {
	return func(m *Memory) {
		for k, v := range c {
			m.catalog[k] = v
		}
	}
}

// WithIDs sets the generator of new component ids. Default: "comp-" + UUIDv7.
func WithIDs(gen intent.Generator) MemoryOption { return func(m *Memory) { m.newID = gen } }

func WithLogger(l *slog.Logger) MemoryOption { return func(m *Memory) { m.logger = l } }

// NewMemory serves site. The site is owned by the Memory from now on.
func NewMemory(site *Site, opts ...MemoryOption) *Memory {
	m := &Memory{
		site:    site,
		catalog: make(map[string]Template),
		newID:   intent.Prefixed("comp-", intent.UUIDv7()),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	walk(site.Containers, nil, func(c *Container, _ *Component) bool {
		for _, comp := range c.Components {
			m.touch(comp)
		}
		return true
	})
	return m
}

func (m *Memory) touch(comp *Component) {
	m.clock++
	comp.lastModified = m.clock
}

// Lock marks a component or container as being edited by user. Changes to
// it fail with page.ErrItemAlreadyLocked until Unlock.
func (m *Memory) Lock(id, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if comp, _ := m.site.component(id); comp != nil {
		comp.LockedBy = user
	} else if c := m.site.container(id); c != nil {
		c.LockedBy = user
	} else {
		return fmt.Errorf("backend: lock %q: %w", id, page.ErrItemNotFound)
	}
	m.logger.Info("backend: locked", "id", id, "user", user)
	return nil
}

func (m *Memory) Unlock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if comp, _ := m.site.component(id); comp != nil {
		comp.LockedBy = ""
	} else if c := m.site.container(id); c != nil {
		c.LockedBy = ""
	}
}

// Delete removes a component behind the editor's back, as another user
// would.
func (m *Memory) Delete(componentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	comp, in := m.site.component(componentID)
	if comp == nil {
		return false
	}
	in.Components = remove(in.Components, componentID)
	return true
}

// Order returns the component ids of a container.
func (m *Memory) Order(containerID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.site.container(containerID)
	if c == nil {
		return nil
	}
	return ids(c.Components)
}

func (m *Memory) RenderPage(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return renderPage(m.site)
}

func (m *Memory) RenderContainer(_ context.Context, containerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.site.container(containerID)
	if c == nil {
		return "", fmt.Errorf("backend: container %q: %w", containerID, page.ErrItemNotFound)
	}
	var b pageWriter
	renderContainer(&b, c)
	return b.result()
}

func (m *Memory) RenderComponent(_ context.Context, componentID string, props map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comp, _ := m.site.component(componentID)
	if comp == nil {
		return "", fmt.Errorf("backend: component %q: %w", componentID, page.ErrItemNotFound)
	}
	var b pageWriter
	renderComponent(&b, comp, props)
	return b.result()
}

func (m *Memory) Rearrange(_ context.Context, containerID string, order []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.editable(containerID)
	if err != nil {
		return err
	}
	byID := make(map[string]*Component, len(c.Components))
	for _, comp := range c.Components {
		byID[comp.ID] = comp
	}
	if len(order) != len(byID) {
		return fmt.Errorf("backend: rearrange %q: %w", containerID, errOrderMismatch)
	}
	next := make([]*Component, 0, len(order))
	for _, id := range order {
		comp, ok := byID[id]
		if !ok {
			return fmt.Errorf("backend: rearrange %q: %w", containerID, errOrderMismatch)
		}
		delete(byID, id)
		next = append(next, comp)
	}
	c.Components = next
	m.logger.Info("backend: rearranged", "container", containerID, "order", strings.Join(order, ","))
	return nil
}

func (m *Memory) Move(ctx context.Context, componentID, toContainerID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	comp, from := m.site.component(componentID)
	if comp == nil {
		return fmt.Errorf("backend: move %q: %w", componentID, page.ErrItemNotFound)
	}
	if err := m.check(ctx, comp); err != nil {
		return err
	}
	if _, err := m.editable(from.ID); err != nil {
		return err
	}
	to, err := m.editable(toContainerID)
	if err != nil {
		return err
	}
	if contains(comp.Containers, to) {
		return fmt.Errorf("backend: move %q into its own container %q", componentID, toContainerID)
	}

	from.Components = remove(from.Components, componentID)
	if index < 0 || index > len(to.Components) {
		index = len(to.Components)
	}
	to.Components = append(to.Components[:index], append([]*Component{comp}, to.Components[index:]...)...)
	m.touch(comp)
	m.logger.Info("backend: moved", "component", componentID, "from", from.ID, "to", toContainerID, "index", index)
	return nil
}

func (m *Memory) AddComponent(_ context.Context, catalogRef, containerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.catalog[catalogRef]
	if !ok {
		return "", fmt.Errorf("backend: catalog item %q: %w", catalogRef, page.ErrItemNotFound)
	}
	c, err := m.editable(containerID)
	if err != nil {
		return "", err
	}
	comp := &Component{
		ID:    m.newID(),
		Label: tpl.Label,
		Body:  tpl.Body,
		Head:  append([]string(nil), tpl.Head...),
	}
	m.touch(comp)
	c.Components = append(c.Components, comp)
	m.logger.Info("backend: added", "component", comp.ID, "container", containerID, "catalog", catalogRef)
	return comp.ID, nil
}

func (m *Memory) RemoveComponent(ctx context.Context, containerID, componentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.editable(containerID)
	if err != nil {
		return err
	}
	comp, in := m.site.component(componentID)
	if comp == nil || in != c {
		return fmt.Errorf("backend: remove %q from %q: %w", componentID, containerID, page.ErrItemNotFound)
	}
	if err := m.check(ctx, comp); err != nil {
		return err
	}
	c.Components = remove(c.Components, componentID)
	m.logger.Info("backend: removed", "component", componentID, "container", containerID)
	return nil
}

// editable returns a container that accepts changes.
func (m *Memory) editable(containerID string) (*Container, error) {
	c := m.site.container(containerID)
	if c == nil {
		return nil, fmt.Errorf("backend: container %q: %w", containerID, page.ErrItemNotFound)
	}
	if c.Disabled || c.Inherited {
		return nil, fmt.Errorf("backend: container %q: %w", containerID, page.ErrNotEditable)
	}
	if c.LockedBy != "" {
		return nil, fmt.Errorf("backend: container %q locked by %s: %w", containerID, c.LockedBy, page.ErrItemAlreadyLocked)
	}
	return c, nil
}

// check enforces the lock and the optimistic-locking timestamp of comp.
func (m *Memory) check(ctx context.Context, comp *Component) error {
	if comp.LockedBy != "" {
		return fmt.Errorf("backend: %q locked by %s: %w", comp.ID, comp.LockedBy, page.ErrItemAlreadyLocked)
	}
	if lm := page.LastModified(ctx); lm != "" && lm != strconv.FormatInt(comp.lastModified, 10) {
		return fmt.Errorf("backend: %q changed since %s: %w", comp.ID, lm, page.ErrItemAlreadyLocked)
	}
	return nil
}

func ids(cs []*Component) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func remove(cs []*Component, id string) []*Component {
	out := cs[:0]
	for _, c := range cs {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

func contains(cs []*Container, target *Container) bool {
	found := false
	walk(cs, nil, func(c *Container, _ *Component) bool {
		if c == target {
			found = true
			return false
		}
		return true
	})
	return found
}
