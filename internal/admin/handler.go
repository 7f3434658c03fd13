package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"notifyd/internal/jobs"
	"notifyd/internal/manager"
	"notifyd/internal/notification"
	"notifyd/internal/receiver"
	"notifyd/internal/schedule"
)

const maxBody = 1 << 20

type Dispatcher interface {
	EnqueuePresentText(identifier, request string, behavior *notification.Behavior, recv receiver.Receiver) error
}

type ActiveSet interface {
	Active() []manager.Posted
	Cancel(ctx context.Context, tag string, id int) (bool, error)
}

type Schedules interface {
	Entries() []schedule.Status
	Fire(name string) error
}

type JobStats interface {
	Snapshot() jobs.Snapshot
}

// Deps are the components the admin API reads and drives. Nil members
// disable their routes.
type Deps struct {
	Dispatcher Dispatcher
	Active     ActiveSet
	Schedules  Schedules
	Jobs       JobStats
}

type presentBody struct {
	Identifier string                 `json:"identifier"`
	Request    json.RawMessage        `json:"request"`
	Behavior   *notification.Behavior `json:"behavior,omitempty"`
	// Wait bounds how long the call waits for the outcome; "0s" returns
	// as soon as the command is queued.
	Wait string `json:"wait,omitempty"`
}

type outcomeBody struct {
	Code      int                 `json:"code"`
	Exception *receiver.Exception `json:"exception,omitempty"`
}

// Handler builds the admin mux. Auth is applied by the caller.
func Handler(cfg Config, d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	if d.Active != nil {
		mux.HandleFunc("GET /v1/active", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.Active.Active())
		})
		mux.HandleFunc("DELETE /v1/active/{tag}/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.Atoi(r.PathValue("id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "id must be an integer")
				return
			}
			found, err := d.Active.Cancel(r.Context(), r.PathValue("tag"), id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if !found {
				writeError(w, http.StatusNotFound, "not active")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}

	if d.Schedules != nil {
		mux.HandleFunc("GET /v1/schedules", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.Schedules.Entries())
		})
		mux.HandleFunc("POST /v1/schedules/{name}/fire", func(w http.ResponseWriter, r *http.Request) {
			err := d.Schedules.Fire(r.PathValue("name"))
			switch {
			case errors.Is(err, schedule.ErrUnknownEntry):
				writeError(w, http.StatusNotFound, err.Error())
			case err != nil:
				writeError(w, http.StatusServiceUnavailable, err.Error())
			default:
				w.WriteHeader(http.StatusAccepted)
			}
		})
	}

	if d.Jobs != nil {
		mux.HandleFunc("GET /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.Jobs.Snapshot())
		})
	}

	if d.Dispatcher != nil {
		mux.HandleFunc("POST /v1/present", func(w http.ResponseWriter, r *http.Request) {
			present(w, r, d.Dispatcher)
		})
	}

	if cfg.Pprof {
		mux.HandleFunc("GET /debug/pprof/", hpprof.Index)
		mux.HandleFunc("GET /debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("GET /debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("GET /debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("GET /debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

func present(w http.ResponseWriter, r *http.Request, d Dispatcher) {
	var body presentBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Identifier) == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	wait := 10 * time.Second
	if s := strings.TrimSpace(body.Wait); s != "" {
		dur, err := time.ParseDuration(s)
		if err != nil || dur < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait")
			return
		}
		wait = dur
	}

	// A JSON string is passed through as raw request text so callers can
	// send content the daemon must reject itself.
	text := "{}"
	if len(body.Request) > 0 {
		text = string(body.Request)
		var s string
		if json.Unmarshal(body.Request, &s) == nil {
			text = s
		}
	}

	f := receiver.NewFuture()
	if err := d.EnqueuePresentText(body.Identifier, text, body.Behavior, f); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if wait == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	out, err := f.Wait(ctx)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "no outcome: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcomeBody{Code: out.Code, Exception: out.Err})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}
