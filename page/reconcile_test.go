package page

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/pagecomposer/marker"
)

func overlayNode(id string) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: "div", Attr: []html.Attribute{{Key: "data-id", Val: id}}}
}

func TestReconcile_ComponentKeepsIdentity(t *testing.T) {
	r := loadRegistry(t, standardPage())
	ov := overlayNode("a")
	r.SetOverlay("a", ov)
	old, _ := r.Component("a")

	notified := 0
	r.RegisterChangeListener(func() { notified++ })

	el, err := r.Reconcile("a", comp("a", "A2", contentLink("la", "doc-a2")))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	fresh, ok := el.(*Component)
	if !ok || fresh == old {
		t.Fatalf("got %T %p, want a new *Component", el, el)
	}
	if fresh.Label() != "A2" {
		t.Errorf("label: got %q, want A2", fresh.Label())
	}
	if got := r.ComponentIDs("c1"); strings.Join(got, ",") != "a,b" {
		t.Errorf("c1: got %v, want [a b]", got)
	}
	if r.Overlay("a") != ov {
		t.Error("overlay node must be transferred, not recreated")
	}
	if old.phase != PhaseReplaced || old.overlay != nil {
		t.Errorf("old instance: phase %v overlay %v, want replaced and detached", old.phase, old.overlay)
	}
	if notified != 1 {
		t.Errorf("notified: got %d, want 1", notified)
	}

	links := r.Links()
	if len(links) != 2 || links[0].UUID() != "doc-a2" {
		t.Fatalf("links: got %d, first uuid %q", len(links), links[0].UUID())
	}
	if enc, _ := links[0].Enclosing(); enc != "a" {
		t.Errorf("reattached link: got %q, want a", enc)
	}
	out, _ := r.HTML()
	if !strings.Contains(out, "A2") || strings.Contains(out, "doc-a\"") {
		t.Error("document must carry the new markup only")
	}
	assertContainerInvariant(t, r)
}

func TestReconcile_SecondComponentKeepsIndex(t *testing.T) {
	r := loadRegistry(t, document(container("c1",
		item(comp("a", "A", "")),
		item(comp("b", "B", "")),
		item(comp("c", "C", "")),
	)))
	if _, err := r.Reconcile("b", comp("b", "B2", "")); err != nil {
		t.Fatal(err)
	}
	if got := r.ComponentIDs("c1"); strings.Join(got, ",") != "a,b,c" {
		t.Errorf("got %v, want [a b c]", got)
	}
}

func TestReconcile_MovedComponentStaysInTarget(t *testing.T) {
	r := loadRegistry(t, standardPage())
	if err := r.MoveComponent("b", "c2", 0); err != nil {
		t.Fatal(err)
	}

	el, err := r.Reconcile("b", comp("b", "B2", container("inner")))
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := el.(*Component); !ok || c.Label() != "B2" {
		t.Fatalf("got %v, want the B2 replacement", el)
	}
	if got := strings.Join(r.ComponentIDs("c1"), ","); got != "a" {
		t.Errorf("c1: got [%s], want [a]", got)
	}
	if got := strings.Join(r.ComponentIDs("c2"), ","); got != "b" {
		t.Errorf("c2: got [%s], want [b]", got)
	}
	if cont, _ := r.ContainerOf("b"); cont == nil || cont.ID() != "c2" {
		t.Errorf("b must still belong to c2, got %v", cont)
	}
	if got := r.EnclosingComponent("inner"); got != "b" {
		t.Errorf("inner parent: got %q, want b", got)
	}
	assertContainerInvariant(t, r)
}

func TestReconcile_RepeatedElementRequiresReload(t *testing.T) {
	r := loadRegistry(t, standardPage())
	before, _ := r.HTML()

	_, err := r.Reconcile("c2", container("c2", item(comp("a", "A", ""))))
	if !errors.Is(err, ErrReloadRequired) {
		t.Fatalf("got %v, want ErrReloadRequired", err)
	}
	if after, _ := r.HTML(); after != before {
		t.Error("document must be left untouched")
	}
	if got := strings.Join(r.ComponentIDs("c1"), ","); got != "a,b" {
		t.Errorf("c1: got [%s], want [a b]", got)
	}
	if _, ok := r.Container("c2"); !ok {
		t.Error("c2 must stay registered")
	}

	_, err = r.Reconcile("a", comp("a", "A", container("c2")))
	if !errors.Is(err, ErrReloadRequired) {
		t.Errorf("repeated container: got %v, want ErrReloadRequired", err)
	}
}

func TestReconcile_DeletedServerSide(t *testing.T) {
	r := loadRegistry(t, standardPage())
	old, _ := r.Component("b")

	el, err := r.Reconcile("b", "")
	if err != nil {
		t.Fatal(err)
	}
	if el != nil {
		t.Errorf("got %v, want nil", el)
	}
	if got := r.ComponentIDs("c1"); strings.Join(got, ",") != "a" {
		t.Errorf("c1: got %v, want [a]", got)
	}
	if old.phase != PhaseRemoved {
		t.Errorf("phase: got %v, want removed", old.phase)
	}
}

func TestReconcile_MalformedFragmentRemoves(t *testing.T) {
	r := loadRegistry(t, standardPage())
	// start marker without its end: the replacement cannot be built.
	el, err := r.Reconcile("b", `<!-- {"type":"COMPONENT","id":"b"} --><div>B</div>`)
	if err != nil {
		t.Fatal(err)
	}
	if el != nil {
		t.Errorf("got %v, want nil", el)
	}
	if _, ok := r.Component("b"); ok {
		t.Error("b must not stay registered half-swapped")
	}
}

func TestReconcile_ContainerKeepsOverlays(t *testing.T) {
	r := loadRegistry(t, standardPage())
	ovC, ovA := overlayNode("c1"), overlayNode("a")
	r.SetOverlay("c1", ovC)
	r.SetOverlay("a", ovA)

	markup := container("c1",
		item(comp("b", "B", "")),
		item(comp("a", "A", contentLink("la", "doc-a"))),
		item(comp("n", "New", "")),
	)
	el, err := r.Reconcile("c1", markup)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := el.(*Container); !ok {
		t.Fatalf("got %T, want *Container", el)
	}
	if got := r.ComponentIDs("c1"); strings.Join(got, ",") != "b,a,n" {
		t.Errorf("c1: got %v, want [b a n]", got)
	}
	if r.Overlay("c1") != ovC || r.Overlay("a") != ovA {
		t.Error("overlays must follow their ids into the new instances")
	}
	if r.Overlay("n") != nil {
		t.Error("new component has no overlay yet")
	}
	if got := r.Snapshot().Order(); strings.Join(got, " ") != "c1:b,a,n c2:" {
		t.Errorf("containers: got %v, want document order kept", got)
	}
	if enc, _ := r.Links()[0].Enclosing(); enc != "a" {
		t.Errorf("la: got %q, want a", enc)
	}
	assertContainerInvariant(t, r)
}

func TestReconcile_NestedContainerReplacedWithComponent(t *testing.T) {
	r := loadRegistry(t, document(container("outer",
		item(comp("a", "A", container("inner", item(comp("x", "X", ""))))),
	)))
	ovX := overlayNode("x")
	r.SetOverlay("x", ovX)

	_, err := r.Reconcile("a", comp("a", "A", container("inner",
		item(comp("x", "X", "")),
		item(comp("y", "Y", "")),
	)))
	if err != nil {
		t.Fatal(err)
	}
	if got := r.ComponentIDs("inner"); strings.Join(got, ",") != "x,y" {
		t.Errorf("inner: got %v, want [x y]", got)
	}
	if r.EnclosingComponent("inner") != "a" {
		t.Error("nested container must point at the new a")
	}
	if r.Overlay("x") != ovX {
		t.Error("nested overlay must be transferred")
	}
	if len(r.Containers()) != 2 {
		t.Errorf("containers: got %d, want 2", len(r.Containers()))
	}
	assertContainerInvariant(t, r)
}

func TestReconcile_NewHeadContributionRequiresReload(t *testing.T) {
	r := loadRegistry(t, standardPage())
	before, _ := r.HTML()
	notified := 0
	r.RegisterChangeListener(func() { notified++ })

	head := `<!-- {"type":"PROCESSED_HEAD_CONTRIBUTIONS","headElements":["<script src=\"/new.js\"></script>"]} -->`
	_, err := r.Reconcile("a", comp("a", "A2", head))
	if !errors.Is(err, ErrReloadRequired) {
		t.Fatalf("got %v, want ErrReloadRequired", err)
	}
	after, _ := r.HTML()
	if before != after || notified != 0 {
		t.Error("registry must be untouched when a reload is required")
	}
}

func TestReconcile_KnownHeadContributionPatches(t *testing.T) {
	r := loadRegistry(t, standardPage())
	head := `<!-- {"type":"PROCESSED_HEAD_CONTRIBUTIONS","headElements":["<script src=\"/site.js\"></script>"]} -->`
	el, err := r.Reconcile("a", comp("a", "A2", head))
	if err != nil {
		t.Fatal(err)
	}
	if got := el.(*Component).HeadContributions(); len(got) != 1 {
		t.Errorf("component head: got %v", got)
	}
}

func TestReconcile_UnknownID(t *testing.T) {
	r := loadRegistry(t, standardPage())
	if _, err := r.Reconcile("nope", ""); !errors.Is(err, ErrUnknownID) {
		t.Errorf("got %v, want ErrUnknownID", err)
	}
}

func TestRegion_ReplaceAndContains(t *testing.T) {
	holder, err := marker.ParseFragment(`<p>before</p>` + comp("a", "A", "") + `<p>after</p>`)
	if err != nil {
		t.Fatal(err)
	}
	kids := marker.Children(holder)
	start := kids[1]
	end, err := marker.FindEnd(start, marker.Meta{Type: marker.KindComponent, ID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	reg := Region{Start: start, End: end}
	if !reg.Contains(start.NextSibling.FirstChild) {
		t.Error("Contains: body text must be inside")
	}
	if reg.Contains(kids[0]) {
		t.Error("Contains: preceding sibling must be outside")
	}

	repl, _ := marker.ParseFragment(`<span>x</span><span>y</span>`)
	inserted, err := reg.Replace(repl)
	if err != nil {
		t.Fatal(err)
	}
	if len(inserted) != 2 || repl.FirstChild != nil {
		t.Errorf("inserted %d nodes, holder must be emptied", len(inserted))
	}
	if kids[0].NextSibling != inserted[0] || inserted[1].NextSibling != kids[len(kids)-1] {
		t.Error("replacement must sit exactly where the region was")
	}
	if reg.Attached() {
		t.Error("replaced region must be detached")
	}
	if _, err := reg.Replace(repl); !errors.Is(err, errDetachedRegion) {
		t.Errorf("got %v, want errDetachedRegion", err)
	}
}
