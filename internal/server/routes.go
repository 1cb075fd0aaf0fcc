package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mcphub/internal/session"
)

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	r.Route("/servers", func(r chi.Router) {
		r.Get("/", s.listServers)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.serverStatus)
			r.Post("/start", s.startServer)
			r.Post("/stop", s.stopServer)
			r.Post("/restart", s.restartServer)
			r.Get("/tools", s.listTools)
			r.Post("/tools/{tool}", s.callTool)
		})
	})

	r.Post("/processes/{pid}/kill", s.killProcess)
	r.Get("/scan", s.scan)
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	overview, err := s.ctl.ListAll(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) serverStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctl.Status(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) startServer(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ctl.Start(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) stopServer(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.ctl.Stop(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) restartServer(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ctl.Restart(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeInvalidRequest, "tool access is not enabled")
		return
	}
	useCache := true
	if v := r.URL.Query().Get("cache"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "cache must be a boolean")
			return
		}
		useCache = b
	}
	opts, ok := timeoutOption(w, r)
	if !ok {
		return
	}
	tools, err := s.tools.ListTools(r.Context(), chi.URLParam(r, "name"), useCache, opts...)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) callTool(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeInvalidRequest, "tool access is not enabled")
		return
	}
	opts, ok := timeoutOption(w, r)
	if !ok {
		return
	}
	args := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "arguments must be a JSON object: "+err.Error())
		return
	}
	result, err := s.tools.CallTool(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "tool"), args, opts...)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) killProcess(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "pid must be a positive integer")
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	outcome, err := s.ctl.KillPID(r.Context(), pid, force)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeInvalidRequest, "discovery is not enabled")
		return
	}
	report, err := s.scanner.Scan(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// timeoutOption reads ?timeout= as a duration such as 30s. It writes the
// error response itself and reports false when the value is invalid.
func timeoutOption(w http.ResponseWriter, r *http.Request) ([]session.CallOption, bool) {
	v := r.URL.Query().Get("timeout")
	if v == "" {
		return nil, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "timeout must be a positive duration such as 30s")
		return nil, false
	}
	return []session.CallOption{session.Timeout(d)}, true
}
