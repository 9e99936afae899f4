package marker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Handler receives one start marker. A returned error is contained: it is
// logged and recorded in Result.Skipped, and the walk continues.
type Handler func(comment *html.Node, meta Meta) error

// Config controls a Parser.
type Config struct {
	Logger *slog.Logger

	// OnError is called for every skipped element, after logging.
	OnError func(comment *html.Node, err error)
}

// Parser walks node trees looking for markers.
type Parser struct {
	logger  *slog.Logger
	onError func(*html.Node, error)
}

// Result summarises one Parse call.
type Result struct {
	Markers int     // start markers delivered to the handler
	Skipped []error // contained per-element errors
}

// NewParser creates a Parser.
func NewParser(cfg Config) *Parser {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Parser{logger: cfg.Logger, onError: cfg.OnError}
}

// Parse visits every comment below (and including) the given nodes in
// document order and calls fn once per start marker. End markers and plain
// comments are skipped silently.
func (p *Parser) Parse(nodes []*html.Node, fn Handler) Result {
	var res Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.CommentNode {
			p.visit(n, fn, &res)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return res
}

func (p *Parser) visit(n *html.Node, fn Handler, res *Result) {
	meta, err := Decode(n.Data)
	if errors.Is(err, ErrNotMarker) {
		return
	}
	if err != nil {
		p.skip(n, err, res)
		return
	}
	if meta.End {
		return
	}

	res.Markers++
	if err := fn(n, meta); err != nil {
		p.skip(n, err, res)
	}
}

func (p *Parser) skip(n *html.Node, err error, res *Result) {
	var unknown *UnknownTypeError
	var malformed *ParseError
	switch {
	case errors.As(err, &unknown):
		p.logger.Warn("marker: unknown element type skipped", "type", string(unknown.Type))
	case errors.As(err, &malformed):
		p.logger.Error("marker: malformed element skipped", "error", err)
	default:
		p.logger.Warn("marker: element skipped", "error", err)
	}
	res.Skipped = append(res.Skipped, err)
	if p.onError != nil {
		p.onError(n, err)
	}
}

// FindEnd locates the end marker paired with start. Nested regions of the
// same kind are skipped by depth; an end marker carrying an id must match.
func FindEnd(start *html.Node, meta Meta) (*html.Node, error) {
	if !meta.Type.Paired() {
		return nil, fmt.Errorf("marker: %s markers are not paired", meta.Type)
	}
	depth := 0
	for s := start.NextSibling; s != nil; s = s.NextSibling {
		if s.Type != html.CommentNode {
			continue
		}
		m, err := Decode(s.Data)
		if err != nil || m.Type != meta.Type {
			continue
		}
		if !m.End {
			if m.ID != meta.ID || meta.ID == "" {
				depth++
			}
			continue
		}
		if m.ID != "" {
			if m.ID == meta.ID {
				return s, nil
			}
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth == 0 {
			return s, nil
		}
		depth--
	}
	return nil, &ParseError{
		Body: strings.TrimSpace(start.Data),
		Err:  fmt.Errorf("no end marker for %s %q", meta.Type, meta.ID),
	}
}

// Comment builds a comment node carrying m.
func Comment(m Meta) (*html.Node, error) {
	body, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return &html.Node{Type: html.CommentNode, Data: body}, nil
}

// ParseDocument parses a complete page.
func ParseDocument(r io.Reader) (*html.Node, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("marker: parse document: %w", err)
	}
	return doc, nil
}

// ParseFragment parses markup in a <body> context and returns the nodes as
// children of a detached holder element, so that top-level start and end
// markers remain siblings.
func ParseFragment(markup string) (*html.Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("marker: parse fragment: %w", err)
	}
	holder := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range nodes {
		holder.AppendChild(n)
	}
	return holder, nil
}

// HeadElements returns every head element listed by head-contribution
// markers below the given nodes, in document order.
func HeadElements(nodes []*html.Node) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.CommentNode {
			if m, err := Decode(n.Data); err == nil && m.Type.HeadContribution() {
				out = append(out, m.HeadElements...)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return out
}

// Children returns the child nodes of n as a slice.
func Children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}
