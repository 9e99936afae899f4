// Package intent describes the structural changes the editor asks the
// backend to make, and the sinks that record or forward them.
package intent

import (
	"time"

	"github.com/google/uuid"
)

// Op names a backend operation.
type Op string

const (
	OpRearrange       Op = "rearrange"
	OpMove            Op = "move"
	OpAddComponent    Op = "add_component"
	OpRemoveComponent Op = "remove_component"
	OpRenderComponent Op = "render_component"
	OpRenderContainer Op = "render_container"
)

// Status is the backend outcome of an intent. An intent is sent once as
// pending and once more when the backend answers.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Intent is one outbound request.
type Intent struct {
	ID         string            `json:"id"`
	Op         Op                `json:"op"`
	Container  string            `json:"container,omitempty"`
	Component  string            `json:"component,omitempty"`
	Components []string          `json:"components,omitempty"`
	Index      int               `json:"index"`
	CatalogRef string            `json:"catalogRef,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Generator produces intent ids.
type Generator func() string

// UUIDv7 returns a Generator of time-sortable RFC 9562 ids.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id gen produces.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// NewID is the generator used by the constructors below.
var NewID = UUIDv7()

func newIntent(op Op) Intent {
	return Intent{
		ID:        NewID(),
		Op:        op,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Rearrange asks for the full component order of a container.
func Rearrange(containerID string, ids []string) Intent {
	in := newIntent(OpRearrange)
	in.Container = containerID
	in.Components = append([]string(nil), ids...)
	return in
}

// Move asks for a component to be moved into another container at index.
func Move(componentID, toContainerID string, index int) Intent {
	in := newIntent(OpMove)
	in.Component = componentID
	in.Container = toContainerID
	in.Index = index
	return in
}

func AddComponent(catalogRef, containerID string) Intent {
	in := newIntent(OpAddComponent)
	in.CatalogRef = catalogRef
	in.Container = containerID
	return in
}

func RemoveComponent(containerID, componentID string) Intent {
	in := newIntent(OpRemoveComponent)
	in.Container = containerID
	in.Component = componentID
	return in
}

func RenderComponent(componentID string, props map[string]string) Intent {
	in := newIntent(OpRenderComponent)
	in.Component = componentID
	in.Properties = props
	return in
}

func RenderContainer(containerID string) Intent {
	in := newIntent(OpRenderContainer)
	in.Container = containerID
	return in
}

// Confirmed returns a copy of in marked confirmed.
func (in Intent) Confirmed() Intent {
	in.Status = StatusConfirmed
	in.Error = ""
	return in
}

// Failed returns a copy of in marked failed with err.
func (in Intent) Failed(err error) Intent {
	in.Status = StatusFailed
	if err != nil {
		in.Error = err.Error()
	}
	return in
}
