package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

// Router wraps httprouter with request logging and a response-status
// wrapper, matching every handler to a single signature instead of the
// stdlib's bare http.HandlerFunc.
type Router struct {
	mux *httprouter.Router
}

func NewRouter() *Router {
	return &Router{mux: httprouter.New()}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) { r.mux.ServeHTTP(w, req) }

// Handle registers fn for method+path, wrapping it with access logging.
func (r *Router) Handle(method, path string, fn httprouter.Handle) {
	r.mux.Handle(method, path, func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		start := time.Now()
		ww := &responseWrapper{ResponseWriter: w, status: 200}
		fn(ww, req, ps)
		slog.Info("http request", "url", req.URL.Path, "method", req.Method, "latencyMS", time.Since(start).Milliseconds(), "status", ww.status)
	})
}

// Serve wires up the stdlib http server around the router, shutting down
// gracefully when ctx is canceled.
func (r *Router) Serve(addr string) Proc {
	return func(ctx context.Context) error {
		svr := &http.Server{Handler: r, Addr: addr}
		go func() {
			<-ctx.Done()
			slog.Warn("gracefully shutting down http server...")
			svr.Shutdown(context.Background())
		}()
		if err := svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		slog.Info("the http server has shut down")
		return nil
	}
}

// WriteJSON writes v as a JSON response with the given status code, logging
// (but not failing the request on) encode errors.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// SystemError logs msg and responds with a generic 500.
func SystemError(w http.ResponseWriter, msg string, args ...any) {
	slog.Error(msg, args...)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// HandleError returns true (after logging and responding 500) if err is
// non-nil, so handlers can write:
//
//	if engine.HandleError(w, err) { return }
func HandleError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	SystemError(w, err.Error())
	return true
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (w *responseWrapper) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWrapper) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
