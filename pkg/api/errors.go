package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/pkg/indexer"
	"github.com/0xmhha/coinstack-go/pkg/txhistory"
)

// ErrBadRequest marks malformed request input
var ErrBadRequest = errors.New("bad request")

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func statusOf(err error) int {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, txhistory.ErrInvalidPageSize):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBadRequest), errors.Is(err, txhistory.ErrInvalidCursor), errors.Is(err, indexer.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, indexer.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and writes {message}. Server errors are
// logged and their detail withheld from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := ErrorResponse{Message: err.Error()}

	var verr *ValidationError
	if errors.As(err, &verr) {
		resp.Message = "validation failed"
		resp.Details = verr.Fields
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		resp.Message = http.StatusText(status)
	}

	writeJSON(w, status, resp)
}
