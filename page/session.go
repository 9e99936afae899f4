package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/pagecomposer/intent"
	"github.com/hazyhaar/pagecomposer/marker"
)

// Backend errors the session tells apart. Backend implementations wrap them.
var (
	ErrItemAlreadyLocked = errors.New("ITEM_ALREADY_LOCKED")
	ErrItemNotFound      = errors.New("ITEM_NOT_FOUND")
)

// ErrNotEditable is returned for changes to a disabled or inherited
// container.
var ErrNotEditable = errors.New("page: container is disabled or inherited")

// LockConflictError reports that another user holds the lock on an item.
type LockConflictError struct {
	ID    string
	Label string
	Err   error
}

func (e *LockConflictError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("page: %q (%s) is locked by another user", e.Label, e.ID)
	}
	return fmt.Sprintf("page: %s is locked by another user", e.ID)
}

func (e *LockConflictError) Unwrap() error { return e.Err }

// Backend is the rendering and persistence collaborator.
type Backend interface {
	RenderPage(ctx context.Context) (string, error)
	RenderContainer(ctx context.Context, containerID string) (string, error)
	RenderComponent(ctx context.Context, componentID string, props map[string]string) (string, error)
	Rearrange(ctx context.Context, containerID string, ids []string) error
	Move(ctx context.Context, componentID, toContainerID string, index int) error
	AddComponent(ctx context.Context, catalogRef, containerID string) (string, error)
	RemoveComponent(ctx context.Context, containerID, componentID string) error
}

// Reloader resynchronises local state from the backend.
type Reloader interface {
	ReloadContainer(ctx context.Context, containerID string) error
	ReloadPage(ctx context.Context) error
}

// Feedback shows errors to the user.
type Feedback interface {
	Report(ctx context.Context, err error)
}

// FeedbackFunc adapts a function to Feedback.
type FeedbackFunc func(ctx context.Context, err error)

func (f FeedbackFunc) Report(ctx context.Context, err error) { f(ctx, err) }

type lastModifiedKey struct{}

// WithLastModified attaches the optimistic-locking timestamp of the element
// being changed.
func WithLastModified(ctx context.Context, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, lastModifiedKey{}, v)
}

// LastModified returns the timestamp set by WithLastModified.
func LastModified(ctx context.Context) string {
	v, _ := ctx.Value(lastModifiedKey{}).(string)
	return v
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Registry *Registry
	Backend  Backend
	Sink     intent.Sink // default: intent.Discard
	Feedback Feedback    // default: log only
	Reloader Reloader    // default: the session itself
	Logger   *slog.Logger
}

// Session applies editor operations to a Registry through a Backend. Add and
// remove wait for the backend before touching the registry; reorder and move
// change it first and roll back on failure. Every continuation looks its
// elements up again by id.
type Session struct {
	reg      *Registry
	backend  Backend
	sink     intent.Sink
	feedback Feedback
	reloader Reloader
	logger   *slog.Logger
}

// NewSession creates a Session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = intent.Discard{}
	}
	s := &Session{
		reg:      cfg.Registry,
		backend:  cfg.Backend,
		sink:     cfg.Sink,
		feedback: cfg.Feedback,
		reloader: cfg.Reloader,
		logger:   cfg.Logger,
	}
	if s.feedback == nil {
		s.feedback = FeedbackFunc(func(_ context.Context, err error) {
			s.logger.Warn("page: user feedback", "error", err)
		})
	}
	if s.reloader == nil {
		s.reloader = s
	}
	return s
}

// Registry returns the registry the session mutates.
func (s *Session) Registry() *Registry { return s.reg }

func (s *Session) emit(ctx context.Context, in intent.Intent) {
	if err := s.sink.Send(ctx, in); err != nil {
		s.logger.Warn("page: emit intent", "op", string(in.Op), "id", in.ID, "error", err)
	}
}

// ReloadPage fetches the whole page and rebuilds the registry from it.
func (s *Session) ReloadPage(ctx context.Context) error {
	markup, err := s.backend.RenderPage(ctx)
	if err != nil {
		return fmt.Errorf("page: reload page: %w", err)
	}
	doc, err := marker.ParseDocument(strings.NewReader(markup))
	if err != nil {
		return fmt.Errorf("page: reload page: %w", err)
	}
	s.reg.Load(doc)
	return nil
}

// ReloadContainer re-renders one container from the backend.
func (s *Session) ReloadContainer(ctx context.Context, containerID string) error {
	return s.RenderContainer(ctx, containerID)
}

// RemoveComponentByID deletes a component on the backend, then locally.
func (s *Session) RemoveComponentByID(ctx context.Context, id string) error {
	comp, ok := s.reg.Component(id)
	if !ok {
		return fmt.Errorf("page: remove component %q: %w", id, ErrUnknownID)
	}
	cont, ok := s.reg.ContainerOf(id)
	if !ok {
		return fmt.Errorf("page: remove component %q: %w", id, ErrUnknownID)
	}
	if !cont.Droppable() {
		return fmt.Errorf("page: remove component %q: %w", id, ErrNotEditable)
	}
	containerID := cont.ID()

	in := intent.RemoveComponent(containerID, id)
	s.emit(ctx, in)

	err := s.backend.RemoveComponent(WithLastModified(ctx, comp.LastModified()), containerID, id)
	switch {
	case err == nil:
		s.emit(ctx, in.Confirmed())
		if err := s.reg.RemoveComponent(id); err != nil {
			s.logger.Info("page: component already gone", "id", id)
		}
		return nil

	case errors.Is(err, ErrItemAlreadyLocked):
		s.emit(ctx, in.Failed(err))
		conflict := &LockConflictError{ID: id, Label: comp.Label(), Err: err}
		s.feedback.Report(ctx, conflict)
		s.reload(ctx, containerID)
		return conflict

	case errors.Is(err, ErrItemNotFound):
		s.emit(ctx, in.Failed(err))
		if rerr := s.reg.RemoveComponent(id); rerr != nil {
			s.logger.Info("page: component already gone", "id", id, "error", rerr)
		}
		err = fmt.Errorf("page: remove component %q: %w", id, err)
		s.feedback.Report(ctx, err)
		s.reload(ctx, containerID)
		return err

	default:
		s.emit(ctx, in.Failed(err))
		err = fmt.Errorf("page: remove component %q: %w", id, err)
		s.feedback.Report(ctx, err)
		return err
	}
}

// AddComponentToContainer creates a component from the catalog on the
// backend, re-renders the container and returns the new component.
func (s *Session) AddComponentToContainer(ctx context.Context, catalogRef, containerID string) (*Component, error) {
	cont, ok := s.reg.Container(containerID)
	if !ok {
		return nil, fmt.Errorf("page: add component to %q: %w", containerID, ErrUnknownID)
	}
	if !cont.Droppable() {
		return nil, fmt.Errorf("page: add component to %q: %w", containerID, ErrNotEditable)
	}

	in := intent.AddComponent(catalogRef, containerID)
	s.emit(ctx, in)

	newID, err := s.backend.AddComponent(ctx, catalogRef, containerID)
	if err != nil {
		s.emit(ctx, in.Failed(err))
		if errors.Is(err, ErrItemAlreadyLocked) {
			err = &LockConflictError{ID: containerID, Label: cont.Label(), Err: err}
		} else {
			err = fmt.Errorf("page: add component to %q: %w", containerID, err)
		}
		s.feedback.Report(ctx, err)
		s.reload(ctx, containerID)
		return nil, err
	}
	in.Component = newID
	s.emit(ctx, in.Confirmed())

	if err := s.RenderContainer(ctx, containerID); err != nil {
		return nil, err
	}
	comp, ok := s.reg.Component(newID)
	if !ok {
		return nil, fmt.Errorf("page: added component %q not in rendered container: %w", newID, ErrUnknownID)
	}
	return comp, nil
}

// RenderComponent asks the backend to render a component with props and
// patches the result into the page.
func (s *Session) RenderComponent(ctx context.Context, id string, props map[string]string) error {
	comp, ok := s.reg.Component(id)
	if !ok {
		return fmt.Errorf("page: render component %q: %w", id, ErrUnknownID)
	}
	in := intent.RenderComponent(id, props)
	s.emit(ctx, in)

	markup, err := s.backend.RenderComponent(WithLastModified(ctx, comp.LastModified()), id, props)
	if err != nil {
		s.emit(ctx, in.Failed(err))
		err = fmt.Errorf("page: render component %q: %w", id, err)
		s.feedback.Report(ctx, err)
		if errors.Is(err, ErrItemNotFound) {
			s.reloadPage(ctx)
		}
		return err
	}
	s.emit(ctx, in.Confirmed())
	return s.apply(ctx, id, markup)
}

// RenderContainer fetches fresh markup for a container and patches it in.
func (s *Session) RenderContainer(ctx context.Context, id string) error {
	if _, ok := s.reg.Container(id); !ok {
		return fmt.Errorf("page: render container %q: %w", id, ErrUnknownID)
	}
	in := intent.RenderContainer(id)
	s.emit(ctx, in)

	markup, err := s.backend.RenderContainer(ctx, id)
	if err != nil {
		s.emit(ctx, in.Failed(err))
		err = fmt.Errorf("page: render container %q: %w", id, err)
		s.feedback.Report(ctx, err)
		if errors.Is(err, ErrItemNotFound) {
			s.reloadPage(ctx)
		}
		return err
	}
	s.emit(ctx, in.Confirmed())
	return s.apply(ctx, id, markup)
}

// apply reconciles markup fetched for id. The element may have been replaced
// or removed while the request was in flight; that is not an error.
func (s *Session) apply(ctx context.Context, id, markup string) error {
	_, err := s.reg.Reconcile(id, markup)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownID):
		s.logger.Info("page: dropping stale render", "id", id)
		return nil
	case errors.Is(err, ErrReloadRequired):
		s.logger.Info("page: reloading page for new head contributions", "id", id)
		s.reloadPage(ctx)
		return nil
	default:
		return err
	}
}

// Rearrange sets the component order of a container, locally first.
func (s *Session) Rearrange(ctx context.Context, containerID string, ids []string) error {
	cont, ok := s.reg.Container(containerID)
	if !ok {
		return fmt.Errorf("page: rearrange %q: %w", containerID, ErrUnknownID)
	}
	if !cont.Droppable() {
		return fmt.Errorf("page: rearrange %q: %w", containerID, ErrNotEditable)
	}
	prev := s.reg.ComponentIDs(containerID)
	if err := s.reg.Reorder(containerID, ids); err != nil {
		return err
	}
	s.reg.MarkSync(SyncPending, containerID)

	in := intent.Rearrange(containerID, ids)
	s.emit(ctx, in)

	if err := s.backend.Rearrange(ctx, containerID, ids); err != nil {
		s.emit(ctx, in.Failed(err))
		s.reg.MarkSync(SyncRollingBack, containerID)
		if rerr := s.reg.Reorder(containerID, prev); rerr != nil {
			s.logger.Info("page: rearrange rollback skipped", "container", containerID, "error", rerr)
		}
		return s.fail(ctx, containerID, cont.Label(), fmt.Errorf("page: rearrange %q: %w", containerID, err))
	}
	s.emit(ctx, in.Confirmed())
	s.reg.MarkSync(SyncConfirmed, containerID)
	return s.RenderContainer(ctx, containerID)
}

// Move takes a component into another container at index, locally first.
func (s *Session) Move(ctx context.Context, componentID, toContainerID string, index int) error {
	comp, ok := s.reg.Component(componentID)
	if !ok {
		return fmt.Errorf("page: move %q: %w", componentID, ErrUnknownID)
	}
	from, ok := s.reg.ContainerOf(componentID)
	if !ok {
		return fmt.Errorf("page: move %q: %w", componentID, ErrUnknownID)
	}
	to, ok := s.reg.Container(toContainerID)
	if !ok {
		return fmt.Errorf("page: move %q to %q: %w", componentID, toContainerID, ErrUnknownID)
	}
	if !from.Droppable() || !to.Droppable() {
		return fmt.Errorf("page: move %q to %q: %w", componentID, toContainerID, ErrNotEditable)
	}
	if from.ID() == to.ID() {
		ids := s.reg.ComponentIDs(from.ID())
		return s.Rearrange(ctx, from.ID(), reordered(ids, componentID, index))
	}

	fromID := from.ID()
	prevIndex := indexOf(s.reg.ComponentIDs(fromID), componentID)
	if err := s.reg.MoveComponent(componentID, toContainerID, index); err != nil {
		return err
	}
	s.reg.MarkSync(SyncPending, componentID, fromID, toContainerID)

	in := intent.Move(componentID, toContainerID, index)
	s.emit(ctx, in)

	if err := s.backend.Move(WithLastModified(ctx, comp.LastModified()), componentID, toContainerID, index); err != nil {
		s.emit(ctx, in.Failed(err))
		s.reg.MarkSync(SyncRollingBack, componentID, fromID, toContainerID)
		if rerr := s.reg.MoveComponent(componentID, fromID, prevIndex); rerr != nil {
			s.logger.Info("page: move rollback skipped", "component", componentID, "error", rerr)
		}
		return s.fail(ctx, componentID, comp.Label(), fmt.Errorf("page: move %q to %q: %w", componentID, toContainerID, err))
	}
	s.emit(ctx, in.Confirmed())
	s.reg.MarkSync(SyncConfirmed, componentID, fromID, toContainerID)

	// The source may have been nested in the moved component's old slot;
	// a missing container is not an error here.
	var firstErr error
	for _, id := range []string{fromID, toContainerID} {
		if err := s.RenderContainer(ctx, id); err != nil && !errors.Is(err, ErrUnknownID) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fail reports an optimistic-change failure and resynchronises the page.
func (s *Session) fail(ctx context.Context, id, label string, err error) error {
	if errors.Is(err, ErrItemAlreadyLocked) {
		err = &LockConflictError{ID: id, Label: label, Err: err}
	}
	s.feedback.Report(ctx, err)
	s.reloadPage(ctx)
	return err
}

func (s *Session) reload(ctx context.Context, containerID string) {
	err := s.reloader.ReloadContainer(ctx, containerID)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownID):
		s.logger.Info("page: container gone, reloading page", "container", containerID)
		s.reloadPage(ctx)
	default:
		s.logger.Warn("page: container reload failed", "container", containerID, "error", err)
	}
}

func (s *Session) reloadPage(ctx context.Context) {
	if err := s.reloader.ReloadPage(ctx); err != nil {
		s.logger.Error("page: page reload failed", "error", err)
	}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// reordered returns ids with id moved to index.
func reordered(ids []string, id string, index int) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if index < 0 || index > len(out) {
		index = len(out)
	}
	out = append(out, "")
	copy(out[index+1:], out[index:])
	out[index] = id
	return out
}
