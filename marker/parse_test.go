package marker

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/net/html"
)

const testPage = `<!DOCTYPE html>
<html><head><title>t</title></head>
<body>
<!-- {"type":"PAGE","id":"p1"} -->
<!-- {"type":"CONTAINER","id":"c1"} -->
<div class="hst-container">
  <div class="hst-container-item">
    <!-- {"type":"COMPONENT","id":"a","label":"A"} -->
    <div>A <!-- {"type":"CONTENT_LINK","id":"l1","uuid":"doc-1"} --></div>
    <!-- {"type":"COMPONENT","id":"a","end":true} -->
  </div>
  <!-- just a comment -->
  <!-- {"type":"WIDGET","id":"w"} -->
  <!-- {"type":"COMPONENT","id": -->
</div>
<!-- {"type":"CONTAINER","id":"c1","end":true} -->
</body></html>`

func parseTestPage(t *testing.T) *html.Node {
	t.Helper()
	doc, err := ParseDocument(strings.NewReader(testPage))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestParse_DocumentOrder(t *testing.T) {
	doc := parseTestPage(t)
	var got []string
	res := NewParser(Config{}).Parse([]*html.Node{doc}, func(_ *html.Node, m Meta) error {
		got = append(got, string(m.Type)+":"+m.ID)
		return nil
	})

	want := []string{"PAGE:p1", "CONTAINER:c1", "COMPONENT:a", "CONTENT_LINK:l1"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order: got %v, want %v", got, want)
	}
	if res.Markers != len(want) {
		t.Errorf("Markers: got %d, want %d", res.Markers, len(want))
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("Skipped: got %d (%v), want 2", len(res.Skipped), res.Skipped)
	}
}

func TestParse_HandlerErrorContained(t *testing.T) {
	doc := parseTestPage(t)
	var reported []error
	p := NewParser(Config{OnError: func(_ *html.Node, err error) { reported = append(reported, err) }})

	boom := errors.New("boom")
	calls := 0
	res := p.Parse([]*html.Node{doc}, func(_ *html.Node, m Meta) error {
		calls++
		if m.Type == KindContainer {
			return boom
		}
		return nil
	})
	if calls != 4 {
		t.Errorf("calls: got %d, want 4 (a failing element must not abort the walk)", calls)
	}
	found := false
	for _, err := range res.Skipped {
		if errors.Is(err, boom) {
			found = true
		}
	}
	if !found {
		t.Error("handler error should be recorded in Skipped")
	}
	if len(reported) != len(res.Skipped) {
		t.Errorf("OnError: got %d calls, want %d", len(reported), len(res.Skipped))
	}
}

func TestFindEnd_Pairs(t *testing.T) {
	doc := parseTestPage(t)
	var container, component *html.Node
	var cMeta, aMeta Meta
	NewParser(Config{}).Parse([]*html.Node{doc}, func(n *html.Node, m Meta) error {
		switch m.Type {
		case KindContainer:
			container, cMeta = n, m
		case KindComponent:
			component, aMeta = n, m
		}
		return nil
	})

	end, err := FindEnd(container, cMeta)
	if err != nil {
		t.Fatalf("container end: %v", err)
	}
	if m, _ := Decode(end.Data); !m.End || m.ID != "c1" {
		t.Errorf("container end: got %+v", m)
	}

	end, err = FindEnd(component, aMeta)
	if err != nil {
		t.Fatalf("component end: %v", err)
	}
	if end.Parent != component.Parent {
		t.Error("component end must be a sibling of its start")
	}
}

func TestFindEnd_Missing(t *testing.T) {
	holder, err := ParseFragment(`<!-- {"type":"COMPONENT","id":"x"} --><div>x</div>`)
	if err != nil {
		t.Fatal(err)
	}
	start := holder.FirstChild
	_, err = FindEnd(start, Meta{Type: KindComponent, ID: "x"})
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want *ParseError", err)
	}
}

func TestFindEnd_NestedWithoutIDs(t *testing.T) {
	holder, err := ParseFragment(`<!-- {"type":"CONTAINER"} --><!-- {"type":"CONTAINER"} --><p>in</p><!-- {"type":"CONTAINER","end":true} --><!-- {"type":"CONTAINER","end":true} --><p>after</p>`)
	if err != nil {
		t.Fatal(err)
	}
	start := holder.FirstChild
	end, err := FindEnd(start, Meta{Type: KindContainer})
	if err != nil {
		t.Fatal(err)
	}
	if end.NextSibling == nil || end.NextSibling.Data != "p" {
		t.Errorf("outer end should be the last end marker before <p>after</p>")
	}
}

func TestParseFragment_KeepsSiblings(t *testing.T) {
	holder, err := ParseFragment(`<!-- {"type":"COMPONENT","id":"a"} --><div>a</div><!-- {"type":"COMPONENT","id":"a","end":true} -->`)
	if err != nil {
		t.Fatal(err)
	}
	kids := Children(holder)
	if len(kids) != 3 {
		t.Fatalf("children: got %d, want 3", len(kids))
	}
	if _, err := FindEnd(kids[0], Meta{Type: KindComponent, ID: "a"}); err != nil {
		t.Errorf("FindEnd in fragment: %v", err)
	}
}

func TestHeadElements(t *testing.T) {
	holder, err := ParseFragment(`<!-- {"type":"UNPROCESSED_HEAD_CONTRIBUTIONS","headElements":["<script src=\"/a.js\"></script>"]} --><div><!-- {"type":"PROCESSED_HEAD_CONTRIBUTIONS","headElements":["<link href=\"/b.css\">"]} --></div>`)
	if err != nil {
		t.Fatal(err)
	}
	got := HeadElements(Children(holder))
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 elements", got)
	}
}
