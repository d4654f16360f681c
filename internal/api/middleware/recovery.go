package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/derril-tech/researchflow/internal/api/response"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// headerWatch notes whether the response has started.
type headerWatch struct {
	http.ResponseWriter
	started bool
}

func (h *headerWatch) WriteHeader(code int) {
	h.started = true
	h.ResponseWriter.WriteHeader(code)
}

func (h *headerWatch) Write(b []byte) (int, error) {
	h.started = true
	return h.ResponseWriter.Write(b)
}

func (h *headerWatch) Flush() {
	if f, ok := h.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *headerWatch) Unwrap() http.ResponseWriter { return h.ResponseWriter }

// Recovery turns handler panics into a 500 envelope. A response that has
// already started, such as an open event stream, is only logged and cut off.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		watch := &headerWatch{ResponseWriter: w}
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}
			slog.Error("panic recovered",
				"error", err,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
				"response_started", watch.started,
				"request_id", chimw.GetReqID(r.Context()),
			)
			if !watch.started {
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(watch, r)
	})
}
