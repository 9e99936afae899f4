package backend

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hazyhaar/pagecomposer/page"
)

// Wire protocol shared by Client and Handler.
//
//	GET    /page                                    text/html
//	GET    /containers/{id}                         text/html
//	POST   /components/{id}/render                  renderRequest → text/html
//	PUT    /containers/{id}/order                   orderRequest
//	POST   /components/{id}/move                    moveRequest
//	POST   /containers/{id}/components              addRequest → addResponse
//	DELETE /containers/{id}/components/{component}
//
// Optimistic locking travels in the X-Last-Modified header. Failures answer
// with an errorResponse.
const HeaderLastModified = "X-Last-Modified"

type renderRequest struct {
	Properties map[string]string `json:"properties,omitempty"`
}

type orderRequest struct {
	Children []string `json:"children"`
}

type moveRequest struct {
	Container string `json:"container"`
	Index     int    `json:"index"`
}

type addRequest struct {
	CatalogRef string `json:"catalogRef"`
}

type addResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message"`
}

// Error is a failed backend call. It unwraps to page.ErrItemAlreadyLocked or
// page.ErrItemNotFound when the backend reported those codes.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend: HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend: HTTP %d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case page.ErrItemAlreadyLocked.Error():
		return page.ErrItemAlreadyLocked
	case page.ErrItemNotFound.Error():
		return page.ErrItemNotFound
	}
	if e.Status == http.StatusNotFound {
		return page.ErrItemNotFound
	}
	return nil
}

// classify maps a backend error to its status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, page.ErrItemAlreadyLocked):
		return http.StatusConflict, page.ErrItemAlreadyLocked.Error()
	case errors.Is(err, page.ErrItemNotFound):
		return http.StatusNotFound, page.ErrItemNotFound.Error()
	case errors.Is(err, page.ErrNotEditable):
		return http.StatusForbidden, ""
	case errors.Is(err, errOrderMismatch):
		return http.StatusBadRequest, ""
	}
	return http.StatusInternalServerError, ""
}
