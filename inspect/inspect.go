// Package inspect turns a page structure snapshot into a report for people:
// the container tree with labels, flags and a short markdown preview of
// every component.
package inspect

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/pagecomposer/page"
)

// Options configures an Inspector.
type Options struct {
	// PreviewLen caps each preview, in runes. Default: 120.
	PreviewLen int
	Logger     *slog.Logger
}

// Inspector builds Reports.
type Inspector struct {
	conv       *converter.Converter
	previewLen int
	logger     *slog.Logger
}

func New(opts Options) *Inspector {
	if opts.PreviewLen <= 0 {
		opts.PreviewLen = 120
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Inspector{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		previewLen: opts.PreviewLen,
		logger:     opts.Logger,
	}
}

// Report is the inspected structure.
type Report struct {
	Page              string          `json:"page,omitempty"`
	Containers        []Container     `json:"containers"`
	Links             []page.LinkInfo `json:"links"`
	HeadContributions []string        `json:"headContributions,omitempty"`
	Stats             Stats           `json:"stats"`
}

type Container struct {
	ID         string         `json:"id"`
	Label      string         `json:"label,omitempty"`
	XType      string         `json:"xtype,omitempty"`
	Parent     string         `json:"parent,omitempty"`
	Flags      []string       `json:"flags,omitempty"`
	Components []Component    `json:"components"`
	Sync       page.SyncState `json:"sync"`
}

type Component struct {
	ID      string         `json:"id"`
	Label   string         `json:"label,omitempty"`
	Flags   []string       `json:"flags,omitempty"`
	Preview string         `json:"preview,omitempty"`
	Sync    page.SyncState `json:"sync"`
}

type Stats struct {
	Containers int `json:"containers"`
	Components int `json:"components"`
	Empty      int `json:"empty"`
	Locked     int `json:"locked"`
	Pending    int `json:"pending"`
	Links      int `json:"links"`
}

// Inspect builds the report of s.
func (in *Inspector) Inspect(s page.Structure) Report {
	r := Report{
		Page:              s.Page,
		Links:             s.Links,
		HeadContributions: s.HeadContributions,
	}
	r.Stats.Links = len(s.Links)
	for _, ci := range s.Containers {
		c := Container{
			ID:         ci.ID,
			Label:      ci.Label,
			XType:      ci.XType,
			Parent:     ci.Parent,
			Sync:       ci.Sync,
			Components: make([]Component, 0, len(ci.Components)),
		}
		if ci.Disabled {
			c.Flags = append(c.Flags, "disabled")
		}
		if ci.Inherited {
			c.Flags = append(c.Flags, "inherited")
		}
		if ci.Sync != page.SyncConfirmed {
			r.Stats.Pending++
		}
		if len(ci.Components) == 0 {
			r.Stats.Empty++
		}
		for _, comp := range ci.Components {
			cc := Component{
				ID:      comp.ID,
				Label:   comp.Label,
				Sync:    comp.Sync,
				Preview: in.preview(comp),
			}
			if comp.Locked {
				r.Stats.Locked++
				who := comp.LockedBy
				if who == "" {
					who = "another user"
				}
				cc.Flags = append(cc.Flags, "locked by "+who)
			}
			if comp.Sync != page.SyncConfirmed {
				cc.Flags = append(cc.Flags, string(comp.Sync))
				r.Stats.Pending++
			}
			c.Components = append(c.Components, cc)
		}
		r.Stats.Containers++
		r.Stats.Components += len(ci.Components)
		r.Containers = append(r.Containers, c)
	}
	return r
}

// preview renders the component markup as markdown on one line.
func (in *Inspector) preview(comp page.ComponentInfo) string {
	if strings.TrimSpace(comp.Markup) == "" {
		return ""
	}
	md, err := in.conv.ConvertString(comp.Markup)
	if err != nil {
		in.logger.Debug("inspect: preview failed", "component", comp.ID, "error", err)
		return ""
	}
	return clip(strings.Join(strings.Fields(md), " "), in.previewLen)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

// Markdown renders the report as a nested list. Containers nested in a
// component are listed under it.
func (r Report) Markdown() string {
	children := make(map[string][]Container)
	for _, c := range r.Containers {
		children[c.Parent] = append(children[c.Parent], c)
	}

	var b strings.Builder
	if r.Page != "" {
		fmt.Fprintf(&b, "# Page `%s`\n\n", r.Page)
	}
	fmt.Fprintf(&b, "%d containers (%d empty), %d components, %d locked, %d pending, %d links\n\n",
		r.Stats.Containers, r.Stats.Empty, r.Stats.Components, r.Stats.Locked, r.Stats.Pending, r.Stats.Links)

	var write func(cs []Container, depth int)
	write = func(cs []Container, depth int) {
		indent := strings.Repeat("  ", depth)
		for _, c := range cs {
			fmt.Fprintf(&b, "%s- **%s** `%s`", indent, orID(c.Label, c.ID), c.ID)
			if c.XType != "" {
				fmt.Fprintf(&b, " (%s)", c.XType)
			}
			writeFlags(&b, c.Flags)
			b.WriteByte('\n')
			if len(c.Components) == 0 {
				fmt.Fprintf(&b, "%s  - _empty_\n", indent)
			}
			for _, comp := range c.Components {
				fmt.Fprintf(&b, "%s  - %s `%s`", indent, orID(comp.Label, comp.ID), comp.ID)
				writeFlags(&b, comp.Flags)
				if comp.Preview != "" {
					fmt.Fprintf(&b, ": %s", comp.Preview)
				}
				b.WriteByte('\n')
				write(children[comp.ID], depth+2)
			}
		}
	}
	write(children[""], 0)

	if len(r.HeadContributions) > 0 {
		b.WriteString("\n## Head contributions\n\n")
		for _, h := range r.HeadContributions {
			fmt.Fprintf(&b, "- `%s`\n", h)
		}
	}
	return b.String()
}

func orID(label, id string) string {
	if label != "" {
		return label
	}
	return id
}

func writeFlags(b *strings.Builder, flags []string) {
	if len(flags) > 0 {
		fmt.Fprintf(b, " [%s]", strings.Join(flags, ", "))
	}
}
