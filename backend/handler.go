package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/pagecomposer/page"
)

// NewHandler serves b over the wire protocol Client speaks.
func NewHandler(b page.Backend, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{logger: logger}

	r := chi.NewRouter()
	r.Get("/page", h.markup(func(ctx context.Context, _ *http.Request) (string, error) {
		return b.RenderPage(ctx)
	}))
	r.Route("/containers/{id}", func(r chi.Router) {
		r.Get("/", h.markup(func(ctx context.Context, r *http.Request) (string, error) {
			return b.RenderContainer(ctx, chi.URLParam(r, "id"))
		}))
		r.Put("/order", func(w http.ResponseWriter, r *http.Request) {
			var req orderRequest
			if !h.decode(w, r, &req) {
				return
			}
			h.reply(w, b.Rearrange(h.ctx(r), chi.URLParam(r, "id"), req.Children), nil)
		})
		r.Post("/components", func(w http.ResponseWriter, r *http.Request) {
			var req addRequest
			if !h.decode(w, r, &req) {
				return
			}
			id, err := b.AddComponent(h.ctx(r), req.CatalogRef, chi.URLParam(r, "id"))
			h.reply(w, err, addResponse{ID: id})
		})
		r.Delete("/components/{component}", func(w http.ResponseWriter, r *http.Request) {
			h.reply(w, b.RemoveComponent(h.ctx(r), chi.URLParam(r, "id"), chi.URLParam(r, "component")), nil)
		})
	})
	r.Route("/components/{id}", func(r chi.Router) {
		r.Post("/render", func(w http.ResponseWriter, r *http.Request) {
			var req renderRequest
			if !h.decode(w, r, &req) {
				return
			}
			markup, err := b.RenderComponent(h.ctx(r), chi.URLParam(r, "id"), req.Properties)
			h.html(w, markup, err)
		})
		r.Post("/move", func(w http.ResponseWriter, r *http.Request) {
			var req moveRequest
			if !h.decode(w, r, &req) {
				return
			}
			h.reply(w, b.Move(h.ctx(r), chi.URLParam(r, "id"), req.Container, req.Index), nil)
		})
	})
	return r
}

type handler struct {
	logger *slog.Logger
}

func (h *handler) ctx(r *http.Request) context.Context {
	return page.WithLastModified(r.Context(), r.Header.Get(HeaderLastModified))
}

func (h *handler) markup(fn func(context.Context, *http.Request) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		markup, err := fn(h.ctx(r), r)
		h.html(w, markup, err)
	}
}

func (h *handler) html(w http.ResponseWriter, markup string, err error) {
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, markup)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
		return false
	}
	return true
}

func (h *handler) reply(w http.ResponseWriter, err error, v any) {
	if err != nil {
		h.fail(w, err)
		return
	}
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= 500 {
		h.logger.Error("backend: request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{ErrorCode: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
