package composer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewMCPServer returns an MCP server carrying the composer tools.
func (c *Composer) NewMCPServer(version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "pagecomposer", Version: version}, nil)
	c.RegisterMCP(srv)
	return srv
}

// RegisterMCP registers the composer tools on srv.
func (c *Composer) RegisterMCP(srv *mcp.Server) {
	c.registerStructureTool(srv)
	c.registerRearrangeTool(srv)
	c.registerMoveTool(srv)
	c.registerAddComponentTool(srv)
	c.registerRemoveComponentTool(srv)
	c.registerRenderContainerTool(srv)
}

type endpoint func(ctx context.Context, req any) (any, error)

// registerTool adds a tool whose arguments decode into a fresh *T and whose
// result is returned as JSON text. Endpoint errors become tool errors.
func registerTool[T any](srv *mcp.Server, tool *mcp.Tool, fn endpoint) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := new(T)
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, args); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}
		resp, err := fn(ctx, args)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}
		if s, ok := resp.(string); ok {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- composer_structure ---

type structureRequest struct {
	Format string `json:"format,omitempty"`
}

func (c *Composer) registerStructureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "composer_structure",
		Description: "Describe the page being edited: containers in document order, their components with lock and sync state, embedded links and head contributions.",
		InputSchema: inputSchema(map[string]any{
			"format": map[string]any{"type": "string", "enum": []any{"json", "markdown"}, "description": "Output format (default json)"},
		}, nil),
	}
	registerTool[structureRequest](srv, tool, func(_ context.Context, req any) (any, error) {
		report := c.Report()
		if req.(*structureRequest).Format == "markdown" {
			return report.Markdown(), nil
		}
		return report, nil
	})
}

// --- composer_rearrange ---

type rearrangeRequest struct {
	Container string   `json:"container"`
	Children  []string `json:"children"`
}

func (c *Composer) registerRearrangeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "composer_rearrange",
		Description: "Set the full component order of a container. The order must list every component of the container exactly once.",
		InputSchema: inputSchema(map[string]any{
			"container": map[string]any{"type": "string", "description": "Container id"},
			"children":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Component ids in the new order"},
		}, []string{"container", "children"}),
	}
	registerTool[rearrangeRequest](srv, tool, func(ctx context.Context, req any) (any, error) {
		rr := req.(*rearrangeRequest)
		if err := c.session.Rearrange(ctx, rr.Container, rr.Children); err != nil {
			return nil, err
		}
		return map[string]any{"container": rr.Container, "children": c.registry.ComponentIDs(rr.Container)}, nil
	})
}

// --- composer_move ---

type moveRequest struct {
	Component string `json:"component"`
	Container string `json:"container"`
	Index     int    `json:"index"`
}

func (c *Composer) registerMoveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "composer_move",
		Description: "Move a component into a container at a position. Locked components and disabled or inherited containers are refused.",
		InputSchema: inputSchema(map[string]any{
			"component": map[string]any{"type": "string", "description": "Component id"},
			"container": map[string]any{"type": "string", "description": "Target container id"},
			"index":     map[string]any{"type": "integer", "description": "Position in the target container (0 = first)"},
		}, []string{"component", "container"}),
	}
	registerTool[moveRequest](srv, tool, func(ctx context.Context, req any) (any, error) {
		rr := req.(*moveRequest)
		if err := c.overlay.Drop(ctx, rr.Component, rr.Container, rr.Index); err != nil {
			return nil, err
		}
		return map[string]any{"container": rr.Container, "children": c.registry.ComponentIDs(rr.Container)}, nil
	})
}

// --- composer_add_component ---

type addComponentRequest struct {
	Container  string `json:"container"`
	CatalogRef string `json:"catalog_ref"`
}

func (c *Composer) registerAddComponentTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "composer_add_component",
		Description: "Create a component from the catalog at the end of a container.",
		InputSchema: inputSchema(map[string]any{
			"container":   map[string]any{"type": "string", "description": "Container id"},
			"catalog_ref": map[string]any{"type": "string", "description": "Catalog item reference"},
		}, []string{"container", "catalog_ref"}),
	}
	registerTool[addComponentRequest](srv, tool, func(ctx context.Context, req any) (any, error) {
		rr := req.(*addComponentRequest)
		comp, err := c.session.AddComponentToContainer(ctx, rr.CatalogRef, rr.Container)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": comp.ID(), "label": comp.Label()}, nil
	})
}

// --- composer_remove_component ---

type removeComponentRequest struct {
	Component string `json:"component"`
}

func (c *Composer) registerRemoveComponentTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "composer_remove_component",
		Description: "Delete a component from the page. Fails when another user holds its lock.",
		InputSchema: inputSchema(map[string]any{
			"component": map[string]any{"type": "string", "description": "Component id"},
		}, []string{"component"}),
	}
	registerTool[removeComponentRequest](srv, tool, func(ctx context.Context, req any) (any, error) {
		rr := req.(*removeComponentRequest)
		if err := c.session.RemoveComponentByID(ctx, rr.Component); err != nil {
			return nil, err
		}
		return map[string]string{"status": "deleted", "component": rr.Component}, nil
	})
}

// --- composer_render_container ---

type renderContainerRequest struct {
	Container string `json:"container"`
}

func (c *Composer) registerRenderContainerTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "composer_render_container",
		Description: "Fetch fresh markup for a container from the backend and patch it into the page.",
		InputSchema: inputSchema(map[string]any{
			"container": map[string]any{"type": "string", "description": "Container id"},
		}, []string{"container"}),
	}
	registerTool[renderContainerRequest](srv, tool, func(ctx context.Context, req any) (any, error) {
		rr := req.(*renderContainerRequest)
		if err := c.session.RenderContainer(ctx, rr.Container); err != nil {
			return nil, err
		}
		return map[string]any{"container": rr.Container, "children": c.registry.ComponentIDs(rr.Container)}, nil
	})
}
