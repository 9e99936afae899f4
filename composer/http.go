package composer

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/pagecomposer/backend"
	"github.com/hazyhaar/pagecomposer/intent"
	"github.com/hazyhaar/pagecomposer/journal"
	"github.com/hazyhaar/pagecomposer/overlay"
	"github.com/hazyhaar/pagecomposer/page"
)

// Handler returns the editor HTTP API.
func (c *Composer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api/page", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			report := c.Report()
			if r.URL.Query().Get("format") == "markdown" {
				w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
				io.WriteString(w, report.Markdown())
				return
			}
			writeJSON(w, 200, report)
		})
		r.Get("/structure", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, c.registry.Snapshot())
		})
		r.Get("/html", func(w http.ResponseWriter, _ *http.Request) {
			out, err := c.registry.HTML()
			if err != nil {
				writeError(w, 500, err)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, out)
		})
		r.Post("/reload", func(w http.ResponseWriter, r *http.Request) {
			if err := c.ReloadPage(r.Context()); err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, 200, c.registry.Snapshot())
		})
	})

	r.Route("/api/overlay", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			out, err := c.overlay.HTML()
			if err != nil {
				writeError(w, 500, err)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, out)
		})
		r.Get("/geometry", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, c.overlay.Geometry())
		})
		// The in-page client reports document-absolute boxes after layout.
		r.Post("/geometry", func(w http.ResponseWriter, r *http.Request) {
			var boxes map[string]overlay.Box
			if err := json.NewDecoder(r.Body).Decode(&boxes); err != nil {
				writeError(w, 400, err)
				return
			}
			c.static.Set(boxes)
			if err := c.overlay.Sync(r.Context()); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, c.overlay.Geometry())
		})
		r.Post("/drop", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Component string `json:"component"`
				Container string `json:"container"`
				Index     int    `json:"index"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := c.overlay.Drop(r.Context(), req.Component, req.Container, req.Index); err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, 200, c.registry.Snapshot())
		})
	})

	r.Route("/api/containers/{id}", func(r chi.Router) {
		r.Put("/order", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Children []string `json:"children"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := c.session.Rearrange(r.Context(), chi.URLParam(r, "id"), req.Children); err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, 200, c.registry.ComponentIDs(chi.URLParam(r, "id")))
		})
		r.Post("/components", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				CatalogRef string `json:"catalogRef"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			comp, err := c.session.AddComponentToContainer(r.Context(), req.CatalogRef, chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, 201, map[string]string{"id": comp.ID(), "label": comp.Label()})
		})
		r.Post("/render", func(w http.ResponseWriter, r *http.Request) {
			if err := c.session.RenderContainer(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, 200, c.registry.ComponentIDs(chi.URLParam(r, "id")))
		})
	})

	r.Route("/api/components/{id}", func(r chi.Router) {
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			if err := c.session.RemoveComponentByID(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})
		r.Post("/move", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Container string `json:"container"`
				Index     int    `json:"index"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := c.session.Move(r.Context(), chi.URLParam(r, "id"), req.Container, req.Index); err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, 200, c.registry.ComponentIDs(req.Container))
		})
		r.Post("/render", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Properties map[string]string `json:"properties"`
			}
			if r.ContentLength != 0 {
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, 400, err)
					return
				}
			}
			if err := c.session.RenderComponent(r.Context(), chi.URLParam(r, "id"), req.Properties); err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "rendered"})
		})
	})

	r.Get("/api/intents", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		list, err := c.Intents(r.Context(), journal.Filter{
			Status:    intent.Status(q.Get("status")),
			Container: q.Get("container"),
			Limit:     limit,
		})
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if list == nil {
			list = []intent.Intent{}
		}
		writeJSON(w, 200, list)
	})

	r.Get("/api/feedback", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, c.Feedback())
	})

	if c.memory != nil {
		r.Mount("/demo-backend", backend.NewHandler(c.memory, c.logger))
	}
	return r
}

// statusOf maps editor errors to HTTP statuses.
func statusOf(err error) int {
	var conflict *page.LockConflictError
	switch {
	case errors.As(err, &conflict), errors.Is(err, page.ErrItemAlreadyLocked):
		return http.StatusConflict
	case errors.Is(err, page.ErrUnknownID), errors.Is(err, page.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, page.ErrNotEditable), errors.Is(err, overlay.ErrNotDroppable):
		return http.StatusForbidden
	case errors.Is(err, page.ErrInvalidOrder):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
