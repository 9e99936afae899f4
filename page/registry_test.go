package page

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/pagecomposer/marker"
)

// comp renders a component region. inner is placed inside its body.
func comp(id, label, inner string) string {
	return fmt.Sprintf(`<!-- {"type":"COMPONENT","id":%q,"label":%q,"lastModified":1} --><div class="c">%s%s</div><!-- {"type":"COMPONENT","id":%q,"end":true} -->`,
		id, label, label, inner, id)
}

func item(s string) string { return `<div class="hst-container-item">` + s + `</div>` }

func container(id string, items ...string) string {
	return fmt.Sprintf(`<!-- {"type":"CONTAINER","id":%q,"label":%q} --><div class="hst-container">%s</div><!-- {"type":"CONTAINER","id":%q,"end":true} -->`,
		id, strings.ToUpper(id), strings.Join(items, ""), id)
}

func contentLink(id, uuid string) string {
	return fmt.Sprintf(`<!-- {"type":"CONTENT_LINK","id":%q,"uuid":%q} -->`, id, uuid)
}

const siteHead = `<!-- {"type":"UNPROCESSED_HEAD_CONTRIBUTIONS","headElements":["<script src=\"/site.js\"></script>"]} -->`

func document(body ...string) string {
	return `<!DOCTYPE html><html><head><title>t</title></head><body>` +
		`<!-- {"type":"PAGE","id":"p1"} -->` + siteHead +
		strings.Join(body, "\n") +
		`</body></html>`
}

// standardPage holds c1 = [a, b] and an empty c2. Component a carries a
// content link; a menu link sits at page level.
func standardPage() string {
	return document(
		container("c1",
			item(comp("a", "A", contentLink("la", "doc-a"))),
			item(comp("b", "B", "")),
		),
		container("c2"),
		`<!-- {"type":"EDIT_MENU_LINK","id":"m1","menuId":"main"} -->`,
	)
}

func loadRegistry(t *testing.T, markup string) *Registry {
	t.Helper()
	doc, err := marker.ParseDocument(strings.NewReader(markup))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r := NewRegistry(nil)
	r.Load(doc)
	return r
}

func TestRegistry_LoadStandardPage(t *testing.T) {
	r := loadRegistry(t, standardPage())

	if got := r.ComponentIDs("c1"); strings.Join(got, ",") != "a,b" {
		t.Errorf("c1: got %v, want [a b]", got)
	}
	if got := r.ComponentIDs("c2"); len(got) != 0 {
		t.Errorf("c2: got %v, want empty", got)
	}
	if p, ok := r.Page(); !ok || p.ID != "p1" {
		t.Errorf("page: got %+v, %v", p, ok)
	}
	if got := r.HeadContributions(); len(got) != 1 {
		t.Errorf("head: got %v, want 1 element", got)
	}
	c, ok := r.ContainerOf("b")
	if !ok || c.ID() != "c1" || c.Label() != "C1" {
		t.Errorf("ContainerOf(b): got %v, %v", c, ok)
	}
	a, _ := r.Component("a")
	if a.LastModified() != "1" {
		t.Errorf("LastModified: got %q, want %q", a.LastModified(), "1")
	}
	if ph, sync, _ := r.State("a"); ph != PhaseAttached || sync != SyncConfirmed {
		t.Errorf("state: got %v/%v, want attached/confirmed", ph, sync)
	}
}

func TestRegistry_RoundTripOrder(t *testing.T) {
	var body []string
	var want []string
	for i := 0; i < 3; i++ {
		cid := fmt.Sprintf("c%d", i)
		var items, ids []string
		for j := 0; j < 4; j++ {
			id := fmt.Sprintf("%s-%d", cid, j)
			items = append(items, item(comp(id, id, contentLink("l-"+id, "doc-"+id))))
			ids = append(ids, id)
		}
		body = append(body, container(cid, items...))
		want = append(want, cid+":"+strings.Join(ids, ","))
	}
	r := loadRegistry(t, document(body...))

	got := r.Snapshot().Order()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("order:\n got %v\nwant %v", got, want)
	}
	for _, l := range r.Links() {
		enc, kind := l.Enclosing()
		if kind != marker.KindComponent || "l-"+enc != l.ID() {
			t.Errorf("link %s: enclosed by %s %q", l.ID(), kind, enc)
		}
	}
}

func TestRegistry_LinkAttachment(t *testing.T) {
	r := loadRegistry(t, standardPage())

	links := r.Links()
	if len(links) != 2 {
		t.Fatalf("links: got %d, want 2", len(links))
	}
	if enc, kind := links[0].Enclosing(); enc != "a" || kind != marker.KindComponent {
		t.Errorf("la: got %s %q, want COMPONENT a", kind, enc)
	}
	if enc, _ := links[1].Enclosing(); enc != PageLevel {
		t.Errorf("m1: got %q, want page level", enc)
	}
	if links[1].MenuID() != "main" || links[0].UUID() != "doc-a" {
		t.Errorf("link payload lost")
	}
}

func TestRegistry_AttachIdempotent(t *testing.T) {
	r := loadRegistry(t, standardPage())
	notified := 0
	r.RegisterChangeListener(func() { notified++ })

	first := r.Snapshot().Links
	r.AttachEmbeddedLinks()
	second := r.Snapshot().Links
	r.AttachEmbeddedLinks()
	third := r.Snapshot().Links

	if fmt.Sprint(first) != fmt.Sprint(second) || fmt.Sprint(second) != fmt.Sprint(third) {
		t.Errorf("assignments changed:\n%v\n%v\n%v", first, second, third)
	}
	if notified != 0 {
		t.Errorf("notified: got %d, want 0 when nothing was attached", notified)
	}
}

func TestRegistry_ManualParseThenAttach(t *testing.T) {
	doc, err := marker.ParseDocument(strings.NewReader(standardPage()))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(nil)
	marker.NewParser(marker.Config{}).Parse([]*html.Node{doc}, r.RegisterParsedElement)

	for _, l := range r.Links() {
		if l.Attached() {
			t.Fatalf("link %s attached before AttachEmbeddedLinks", l.ID())
		}
	}
	notified := 0
	r.RegisterChangeListener(func() { notified++ })
	r.AttachEmbeddedLinks()
	if notified != 1 {
		t.Errorf("notified: got %d, want 1", notified)
	}
	if enc, _ := r.Links()[0].Enclosing(); enc != "a" {
		t.Errorf("la: got %q, want a", enc)
	}
}

func TestRegistry_ComponentOutsideContainer(t *testing.T) {
	doc, err := marker.ParseDocument(strings.NewReader(document(
		comp("orphan", "O", ""),
		container("c1", item(comp("a", "A", ""))),
	)))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(nil)
	res := r.Load(doc)

	if _, ok := r.Component("orphan"); ok {
		t.Error("orphan component must be dropped")
	}
	var sce *StructuralContextError
	if len(res.Skipped) != 1 || !errors.As(res.Skipped[0], &sce) || sce.ComponentID != "orphan" {
		t.Errorf("skipped: got %v, want one StructuralContextError", res.Skipped)
	}
	if got := r.ComponentIDs("c1"); len(got) != 1 {
		t.Errorf("c1: got %v, want [a]", got)
	}
}

func TestRegistry_NestedContainer(t *testing.T) {
	inner := container("inner",
		item(comp("x", "X", contentLink("lx", "doc-x"))),
	)
	r := loadRegistry(t, document(
		container("outer",
			item(comp("a", "A", inner)),
			item(comp("b", "B", "")),
		),
	))

	if got := r.ComponentIDs("outer"); strings.Join(got, ",") != "a,b" {
		t.Errorf("outer: got %v, want [a b]", got)
	}
	if got := r.ComponentIDs("inner"); strings.Join(got, ",") != "x" {
		t.Errorf("inner: got %v, want [x]", got)
	}
	if got := r.EnclosingComponent("inner"); got != "a" {
		t.Errorf("EnclosingComponent: got %q, want a", got)
	}
	if enc, _ := r.Links()[0].Enclosing(); enc != "x" {
		t.Errorf("lx: got %q, want x", enc)
	}
}

func TestRegistry_HeadAttribution(t *testing.T) {
	head := `<!-- {"type":"PROCESSED_HEAD_CONTRIBUTIONS","headElements":["<link href=\"/a.css\">"]} -->`
	r := loadRegistry(t, document(container("c1", item(comp("a", "A", head)))))

	a, _ := r.Component("a")
	if got := a.HeadContributions(); len(got) != 1 || got[0] != `<link href="/a.css">` {
		t.Errorf("component head: got %v", got)
	}
	if got := r.HeadContributions(); len(got) != 2 {
		t.Errorf("page head: got %v, want site.js and a.css", got)
	}
}

func TestRegistry_ClearNotifies(t *testing.T) {
	r := loadRegistry(t, standardPage())
	a, _ := r.Component("a")
	r.SetOverlay("a", &html.Node{Type: html.ElementNode, Data: "div"})

	notified := 0
	unregister := r.RegisterChangeListener(func() {
		notified++
		if len(r.Containers()) != 0 {
			t.Error("listener saw a partially cleared registry")
		}
	})
	r.Clear()
	unregister()
	r.Clear()

	if notified != 1 {
		t.Errorf("notified: got %d, want 1", notified)
	}
	if a.overlay != nil || a.phase != PhaseRemoved {
		t.Error("cleared elements must drop their overlay reference")
	}
	if len(r.Links()) != 0 || len(r.HeadContributions()) != 0 {
		t.Error("links and head contributions must be empty")
	}
}

func TestRegistry_Reorder(t *testing.T) {
	r := loadRegistry(t, standardPage())

	if err := r.Reorder("c1", []string{"b", "a"}); err != nil {
		t.Fatal(err)
	}
	if got := r.ComponentIDs("c1"); strings.Join(got, ",") != "b,a" {
		t.Errorf("got %v, want [b a]", got)
	}
	if err := r.Reorder("c1", []string{"b", "x"}); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("got %v, want ErrInvalidOrder", err)
	}
	if err := r.Reorder("nope", nil); !errors.Is(err, ErrUnknownID) {
		t.Errorf("got %v, want ErrUnknownID", err)
	}
}

func TestRegistry_MoveComponentNotifiesOnce(t *testing.T) {
	r := loadRegistry(t, standardPage())
	notified := 0
	r.RegisterChangeListener(func() {
		notified++
		assertContainerInvariant(t, r)
	})

	if err := r.MoveComponent("b", "c2", 0); err != nil {
		t.Fatal(err)
	}
	if notified != 1 {
		t.Errorf("notified: got %d, want 1", notified)
	}
	if got := r.ComponentIDs("c2"); strings.Join(got, ",") != "b" {
		t.Errorf("c2: got %v, want [b]", got)
	}
	if c, _ := r.ContainerOf("b"); c.ID() != "c2" {
		t.Errorf("ContainerOf(b): got %s, want c2", c.ID())
	}
}

func TestRegistry_RemoveComponent(t *testing.T) {
	r := loadRegistry(t, standardPage())

	if err := r.RemoveComponent("a"); err != nil {
		t.Fatal(err)
	}
	if got := r.ComponentIDs("c1"); strings.Join(got, ",") != "b" {
		t.Errorf("c1: got %v, want [b]", got)
	}
	if len(r.Links()) != 1 {
		t.Errorf("links: got %d, want only the menu link", len(r.Links()))
	}
	out, _ := r.HTML()
	if strings.Contains(out, `"id":"a"`) {
		t.Error("component markup must be removed from the document")
	}
	if err := r.RemoveComponent("a"); !errors.Is(err, ErrUnknownID) {
		t.Errorf("second remove: got %v, want ErrUnknownID", err)
	}
}

func TestRegistry_MarkSync(t *testing.T) {
	r := loadRegistry(t, standardPage())
	r.MarkSync(SyncPending, "c1", "gone")
	if _, sync, _ := r.State("c1"); sync != SyncPending {
		t.Errorf("got %v, want pending", sync)
	}
}

func TestRegistry_SetOverlayUnknown(t *testing.T) {
	r := loadRegistry(t, standardPage())
	if err := r.SetOverlay("nope", nil); !errors.Is(err, ErrUnknownID) {
		t.Errorf("got %v, want ErrUnknownID", err)
	}
}

// assertContainerInvariant checks that every component is claimed by
// exactly one container, the one it points back to.
func assertContainerInvariant(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	claims := make(map[string]int)
	for _, c := range r.containers {
		for _, id := range c.components {
			claims[id]++
			if comp := r.components[id]; comp == nil || comp.container != c.id {
				t.Errorf("component %s listed in %s but points elsewhere", id, c.id)
			}
		}
	}
	for id := range r.components {
		if claims[id] != 1 {
			t.Errorf("component %s claimed %d times", id, claims[id])
		}
	}
}

func TestRegistry_GenerationChangesOnLoad(t *testing.T) {
	r := loadRegistry(t, standardPage())
	first := r.Snapshot().Generation

	if _, err := r.Reconcile("b", comp("b", "B2", "")); err != nil {
		t.Fatal(err)
	}
	if got := r.Snapshot().Generation; got != first {
		t.Errorf("reconcile: got generation %d, want %d", got, first)
	}

	doc, err := marker.ParseDocument(strings.NewReader(standardPage()))
	if err != nil {
		t.Fatal(err)
	}
	r.Load(doc)
	if got := r.Snapshot().Generation; got == first {
		t.Errorf("load: generation stayed %d", got)
	}
}
