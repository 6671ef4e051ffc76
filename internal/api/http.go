package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pmd/pmd/internal/result"
)

// Routes mounts the read-only HTTP views of the command table on r.
func (a *App) Routes(r chi.Router) {
	r.Get("/processes", a.httpCommand("list_processes"))
	r.Get("/foreground", a.httpCommand("foreground"))
	r.Get("/cputime", a.httpCommand("get_app_cpu_time_limit"))
	r.Get("/events", a.httpCommand("query_events"))
}

// httpCommand runs name with the query string as arguments. Repeated keys
// become lists.
func (a *App) httpCommand(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args := make(map[string]any)
		for k, vs := range r.URL.Query() {
			if len(vs) == 1 {
				args[k] = vs[0]
				continue
			}
			list := make([]any, len(vs))
			for i, v := range vs {
				list[i] = v
			}
			args[k] = list
		}
		out, err := a.Execute(r.Context(), name, args)
		if err != nil {
			writeJSON(w, httpStatus(err), map[string]any{
				"error":  err.Error(),
				"result": formatResult(uint32(result.FromError(err, result.ErrInternal))),
			})
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, result.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, result.ErrProcessNotFound):
		return http.StatusNotFound
	case errors.Is(err, errNoJournal):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
