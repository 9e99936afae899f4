package page

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/hazyhaar/pagecomposer/intent"
)

var errNotStubbed = errors.New("not stubbed")

type fakeBackend struct {
	renderPage      func() (string, error)
	renderContainer func(id string) (string, error)
	renderComponent func(id string, props map[string]string) (string, error)
	rearrange       func(id string, ids []string) error
	move            func(comp, to string, index int) error
	add             func(ref, container string) (string, error)
	remove          func(ctx context.Context, container, comp string) error
}

func (f *fakeBackend) RenderPage(context.Context) (string, error) {
	if f.renderPage == nil {
		return "", errNotStubbed
	}
	return f.renderPage()
}

func (f *fakeBackend) RenderContainer(_ context.Context, id string) (string, error) {
	if f.renderContainer == nil {
		return "", errNotStubbed
	}
	return f.renderContainer(id)
}

func (f *fakeBackend) RenderComponent(_ context.Context, id string, props map[string]string) (string, error) {
	if f.renderComponent == nil {
		return "", errNotStubbed
	}
	return f.renderComponent(id, props)
}

func (f *fakeBackend) Rearrange(_ context.Context, id string, ids []string) error {
	if f.rearrange == nil {
		return errNotStubbed
	}
	return f.rearrange(id, ids)
}

func (f *fakeBackend) Move(_ context.Context, comp, to string, index int) error {
	if f.move == nil {
		return errNotStubbed
	}
	return f.move(comp, to, index)
}

func (f *fakeBackend) AddComponent(_ context.Context, ref, container string) (string, error) {
	if f.add == nil {
		return "", errNotStubbed
	}
	return f.add(ref, container)
}

func (f *fakeBackend) RemoveComponent(ctx context.Context, container, comp string) error {
	if f.remove == nil {
		return errNotStubbed
	}
	return f.remove(ctx, container, comp)
}

type fakeReloader struct {
	containers []string
	pages      int
}

func (f *fakeReloader) ReloadContainer(_ context.Context, id string) error {
	f.containers = append(f.containers, id)
	return nil
}

func (f *fakeReloader) ReloadPage(context.Context) error {
	f.pages++
	return nil
}

type fixture struct {
	reg      *Registry
	backend  *fakeBackend
	reloader *fakeReloader
	sink     *intent.Recorder
	feedback []error
	session  *Session
}

func newFixture(t *testing.T, markup string) *fixture {
	t.Helper()
	f := &fixture{
		reg:      loadRegistry(t, markup),
		backend:  &fakeBackend{},
		reloader: &fakeReloader{},
		sink:     &intent.Recorder{},
	}
	f.session = NewSession(SessionConfig{
		Registry: f.reg,
		Backend:  f.backend,
		Sink:     f.sink,
		Reloader: f.reloader,
		Feedback: FeedbackFunc(func(_ context.Context, err error) { f.feedback = append(f.feedback, err) }),
	})
	return f
}

func graph(t *testing.T, r *Registry) string {
	t.Helper()
	out, err := r.HTML()
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("%+v\n%s", r.Snapshot(), out)
}

func TestSession_RemoveLockConflictLeavesGraphUnchanged(t *testing.T) {
	f := newFixture(t, standardPage())
	f.backend.remove = func(context.Context, string, string) error {
		return fmt.Errorf("backend: remove: %w", ErrItemAlreadyLocked)
	}
	before := graph(t, f.reg)

	err := f.session.RemoveComponentByID(context.Background(), "a")

	var conflict *LockConflictError
	if !errors.As(err, &conflict) || conflict.Label != "A" {
		t.Fatalf("got %v, want *LockConflictError for A", err)
	}
	if !errors.Is(err, ErrItemAlreadyLocked) {
		t.Error("conflict must unwrap to ErrItemAlreadyLocked")
	}
	if after := graph(t, f.reg); after != before {
		t.Errorf("graph changed:\nbefore %s\nafter  %s", before, after)
	}
	if len(f.feedback) != 1 || !errors.As(f.feedback[0], &conflict) {
		t.Errorf("feedback: got %v, want the lock conflict", f.feedback)
	}
	if strings.Join(f.reloader.containers, ",") != "c1" {
		t.Errorf("reloads: got %v, want [c1]", f.reloader.containers)
	}
}

func TestSession_RemoveSendsLastModified(t *testing.T) {
	f := newFixture(t, standardPage())
	var gotLM, gotContainer string
	f.backend.remove = func(ctx context.Context, container, _ string) error {
		gotLM, gotContainer = LastModified(ctx), container
		return nil
	}

	if err := f.session.RemoveComponentByID(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if gotLM != "1" || gotContainer != "c1" {
		t.Errorf("backend got lastModified=%q container=%q", gotLM, gotContainer)
	}
	if got := f.reg.ComponentIDs("c1"); strings.Join(got, ",") != "b" {
		t.Errorf("c1: got %v, want [b]", got)
	}
	latest := f.sink.Latest()
	if len(latest) != 1 || latest[0].Op != intent.OpRemoveComponent || latest[0].Status != intent.StatusConfirmed {
		t.Errorf("intents: got %+v", latest)
	}
}

func TestSession_RemoveNotFound(t *testing.T) {
	f := newFixture(t, standardPage())
	f.backend.remove = func(context.Context, string, string) error { return ErrItemNotFound }

	err := f.session.RemoveComponentByID(context.Background(), "b")
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("got %v, want ErrItemNotFound", err)
	}
	if _, ok := f.reg.Component("b"); ok {
		t.Error("b must be dropped locally")
	}
	if len(f.feedback) != 1 || len(f.reloader.containers) != 1 {
		t.Errorf("feedback %v reloads %v", f.feedback, f.reloader.containers)
	}
}

func TestSession_RemoveNotFoundAlreadyGone(t *testing.T) {
	f := newFixture(t, standardPage())
	var logs bytes.Buffer
	f.session = NewSession(SessionConfig{
		Registry: f.reg,
		Backend:  f.backend,
		Sink:     f.sink,
		Reloader: f.reloader,
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	})
	// Another render dropped b while the request was in flight.
	f.backend.remove = func(context.Context, string, string) error {
		if err := f.reg.RemoveComponent("b"); err != nil {
			t.Fatal(err)
		}
		return ErrItemNotFound
	}

	err := f.session.RemoveComponentByID(context.Background(), "b")
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("got %v, want ErrItemNotFound", err)
	}
	if !strings.Contains(logs.String(), "page: component already gone") {
		t.Errorf("logs: got %q", logs.String())
	}
}

func TestSession_RearrangeScenario(t *testing.T) {
	f := newFixture(t, standardPage())
	notified := 0
	f.reg.RegisterChangeListener(func() { notified++ })

	f.backend.rearrange = func(id string, ids []string) error {
		if got := f.reg.ComponentIDs(id); strings.Join(got, ",") != "b,a" {
			t.Errorf("local order at backend call: got %v, want [b a]", got)
		}
		return nil
	}
	f.backend.renderContainer = func(id string) (string, error) {
		notified = 0
		return container("c1",
			item(comp("b", "B", "")),
			item(comp("a", "A", contentLink("la", "doc-a"))),
		), nil
	}

	if err := f.session.Rearrange(context.Background(), "c1", []string{"b", "a"}); err != nil {
		t.Fatal(err)
	}
	if got := f.reg.ComponentIDs("c1"); strings.Join(got, ",") != "b,a" {
		t.Errorf("c1: got %v, want [b a]", got)
	}
	if notified != 1 {
		t.Errorf("notified during reconcile: got %d, want 1", notified)
	}

	var rearr *intent.Intent
	for _, in := range f.sink.Latest() {
		if in.Op == intent.OpRearrange {
			in := in
			rearr = &in
		}
	}
	if rearr == nil || rearr.Container != "c1" || strings.Join(rearr.Components, ",") != "b,a" {
		t.Fatalf("rearrange intent: got %+v", rearr)
	}
	if rearr.Status != intent.StatusConfirmed {
		t.Errorf("status: got %s, want confirmed", rearr.Status)
	}
	if _, sync, _ := f.reg.State("c1"); sync != SyncConfirmed {
		t.Errorf("sync: got %s, want confirmed", sync)
	}
}

func TestSession_RearrangeFailureRollsBack(t *testing.T) {
	f := newFixture(t, standardPage())
	f.backend.rearrange = func(string, []string) error { return errors.New("boom") }

	err := f.session.Rearrange(context.Background(), "c1", []string{"b", "a"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := f.reg.ComponentIDs("c1"); strings.Join(got, ",") != "a,b" {
		t.Errorf("c1: got %v, want rolled back [a b]", got)
	}
	if _, sync, _ := f.reg.State("c1"); sync != SyncRollingBack {
		t.Errorf("sync: got %s, want rolling-back until reload", sync)
	}
	if f.reloader.pages != 1 || len(f.feedback) != 1 {
		t.Errorf("reload pages %d feedback %v", f.reloader.pages, f.feedback)
	}
	if latest := f.sink.Latest(); latest[0].Status != intent.StatusFailed {
		t.Errorf("intent: got %+v, want failed", latest[0])
	}
}

func TestSession_MoveAcrossContainers(t *testing.T) {
	f := newFixture(t, standardPage())
	f.backend.move = func(comp, to string, index int) error {
		if c, _ := f.reg.ContainerOf(comp); c.ID() != to {
			t.Errorf("local move must happen before the backend call")
		}
		return nil
	}
	f.backend.renderContainer = func(id string) (string, error) {
		switch id {
		case "c1":
			return container("c1", item(comp("a", "A", contentLink("la", "doc-a")))), nil
		default:
			return container("c2", item(comp("b", "B", ""))), nil
		}
	}

	if err := f.session.Move(context.Background(), "b", "c2", 0); err != nil {
		t.Fatal(err)
	}
	if got := f.reg.Snapshot().Order(); strings.Join(got, " ") != "c1:a c2:b" {
		t.Errorf("got %v", got)
	}
	assertContainerInvariant(t, f.reg)
}

func TestSession_MoveLockedRollsBack(t *testing.T) {
	f := newFixture(t, standardPage())
	f.backend.move = func(string, string, int) error { return ErrItemAlreadyLocked }

	err := f.session.Move(context.Background(), "a", "c2", 0)
	var conflict *LockConflictError
	if !errors.As(err, &conflict) || conflict.Label != "A" {
		t.Fatalf("got %v, want lock conflict for A", err)
	}
	if got := f.reg.Snapshot().Order(); strings.Join(got, " ") != "c1:a,b c2:" {
		t.Errorf("got %v, want original placement", got)
	}
	assertContainerInvariant(t, f.reg)
}

func TestSession_MoveWithinContainerRearranges(t *testing.T) {
	f := newFixture(t, standardPage())
	var sent []string
	f.backend.rearrange = func(_ string, ids []string) error {
		sent = ids
		return nil
	}
	f.backend.renderContainer = func(string) (string, error) {
		return container("c1", item(comp("b", "B", "")), item(comp("a", "A", ""))), nil
	}

	if err := f.session.Move(context.Background(), "a", "c1", 1); err != nil {
		t.Fatal(err)
	}
	if strings.Join(sent, ",") != "b,a" {
		t.Errorf("rearrange: got %v, want [b a]", sent)
	}
}

func TestSession_AddComponent(t *testing.T) {
	f := newFixture(t, standardPage())
	f.backend.add = func(ref, container string) (string, error) {
		if ref != "banner" || container != "c2" {
			t.Errorf("add: got %s into %s", ref, container)
		}
		return "n1", nil
	}
	f.backend.renderContainer = func(string) (string, error) {
		return container("c2", item(comp("n1", "Banner", ""))), nil
	}

	c, err := f.session.AddComponentToContainer(context.Background(), "banner", "c2")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID() != "n1" || c.Label() != "Banner" {
		t.Errorf("got %s %q", c.ID(), c.Label())
	}
	if cont, _ := f.reg.ContainerOf("n1"); cont.ID() != "c2" {
		t.Errorf("n1 in %s, want c2", cont.ID())
	}
}

func TestSession_AddToDisabledContainer(t *testing.T) {
	f := newFixture(t, document(`<!-- {"type":"CONTAINER","id":"d","disabled":true} --><div></div><!-- {"type":"CONTAINER","id":"d","end":true} -->`))
	_, err := f.session.AddComponentToContainer(context.Background(), "banner", "d")
	if !errors.Is(err, ErrNotEditable) {
		t.Errorf("got %v, want ErrNotEditable", err)
	}
}

func TestSession_StaleRenderIgnored(t *testing.T) {
	f := newFixture(t, standardPage())
	f.backend.renderContainer = func(string) (string, error) {
		// The page navigates while the render is in flight.
		f.reg.Clear()
		return container("c1"), nil
	}
	if err := f.session.RenderContainer(context.Background(), "c1"); err != nil {
		t.Fatalf("stale render must be dropped silently, got %v", err)
	}
	if len(f.reg.Containers()) != 0 {
		t.Error("stale markup must not be applied")
	}
}

func TestSession_RenderRepeatingElementReloadsPage(t *testing.T) {
	f := newFixture(t, standardPage())
	// Another session moved a into c2; c1 has not been rendered since.
	f.backend.renderContainer = func(string) (string, error) {
		return container("c2", item(comp("a", "A", ""))), nil
	}
	if err := f.session.RenderContainer(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}
	if f.reloader.pages != 1 {
		t.Errorf("page reloads: got %d, want 1", f.reloader.pages)
	}
}

func TestSession_RenderComponentNeedsReload(t *testing.T) {
	f := newFixture(t, standardPage())
	f.backend.renderComponent = func(id string, props map[string]string) (string, error) {
		if props["title"] != "Hi" {
			t.Errorf("props: got %v", props)
		}
		return comp(id, "A", `<!-- {"type":"PROCESSED_HEAD_CONTRIBUTIONS","headElements":["<script src=\"/x.js\"></script>"]} -->`), nil
	}

	if err := f.session.RenderComponent(context.Background(), "a", map[string]string{"title": "Hi"}); err != nil {
		t.Fatal(err)
	}
	if f.reloader.pages != 1 {
		t.Errorf("page reloads: got %d, want 1", f.reloader.pages)
	}
}

func TestSession_ReloadPage(t *testing.T) {
	reg := loadRegistry(t, standardPage())
	backend := &fakeBackend{renderPage: func() (string, error) {
		return document(container("c9", item(comp("z", "Z", "")))), nil
	}}
	s := NewSession(SessionConfig{Registry: reg, Backend: backend})

	if err := s.ReloadPage(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := reg.Snapshot().Order(); strings.Join(got, " ") != "c9:z" {
		t.Errorf("got %v", got)
	}
}
