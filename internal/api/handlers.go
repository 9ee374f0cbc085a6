package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"servicedeck/internal/service"
	"servicedeck/internal/systemd"
	logx "servicedeck/pkg/logx"
)

const maxBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") != "" && s.deps.Health != nil {
		writeJSON(w, http.StatusOK, s.deps.Health())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Services.Services())
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	if units := splitList(r.URL.Query()["units"]); len(units) > 0 {
		writeJSON(w, http.StatusOK, s.deps.Services.MergedStatus(r.Context(), units))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Services.StatusForAll(r.Context()))
}

func (s *Server) handleStatusKey(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Services.StatusForKey(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cfg := s.config()
	if !cfg.ControlEnabled {
		writeError(w, http.StatusForbidden, "forbidden", "control actions are disabled")
		return
	}
	s.mu.RLock()
	allowed := s.limiter.Allow()
	s.mu.RUnlock()
	if !allowed {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many control actions")
		return
	}
	action, _ := service.ParseAction(vars["action"])
	if err := s.deps.Services.Control(r.Context(), vars["key"], action); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleServiceJournal(w http.ResponseWriter, r *http.Request) {
	unit, err := s.deps.Services.JournalUnit(mux.Vars(r)["key"])
	if err != nil {
		writeErr(w, err)
		return
	}
	s.journal(w, r, unit)
}

func (s *Server) handleUnitJournal(w http.ResponseWriter, r *http.Request) {
	s.journal(w, r, mux.Vars(r)["unit"])
}

func (s *Server) journal(w http.ResponseWriter, r *http.Request, unit string) {
	q := systemd.JournalQuery{Since: r.URL.Query().Get("since")}
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "lines must be an integer")
			return
		}
		q.Lines = n
	}
	entries, err := s.deps.Units.Journal(r.Context(), unit, q)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []systemd.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	units, err := s.deps.Units.ListUnits(r.Context())
	if err != nil {
		s.log.Warn("unit discovery failed", logx.Err(err))
		writeError(w, http.StatusBadGateway, "discovery_failure", err.Error())
		return
	}
	if units == nil {
		units = []systemd.Unit{}
	}
	if r.URL.Query().Get("custom") != "" {
		custom := units[:0:0]
		for _, u := range units {
			if !u.Typical {
				custom = append(custom, u)
			}
		}
		units = custom
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *Server) handleUnitStates(w http.ResponseWriter, r *http.Request) {
	var units []string
	if r.Method == http.MethodGet {
		units = splitList(r.URL.Query()["units"])
	} else {
		var body struct {
			Units json.RawMessage `json:"units"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "body must be a JSON object")
			return
		}
		if len(body.Units) == 0 || json.Unmarshal(body.Units, &units) != nil || units == nil {
			writeError(w, http.StatusBadRequest, "bad_request", "units must be a list of strings")
			return
		}
	}
	out := s.deps.Units.StatesForUnits(r.Context(), units)
	if out == nil {
		out = []systemd.UnitState{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeError(w, http.StatusNotFound, "disabled", "storage is disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.deps.Audit.RecentAudit(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// splitList flattens repeated and comma-separated query values.
func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
