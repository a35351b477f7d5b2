package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"pumpctl.org/internal/audit"
	"pumpctl.org/internal/auth"
	"pumpctl.org/internal/obs"
	"pumpctl.org/internal/session"
)

const serviceName = "pumpd"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe: проверка готовности: ping БД и состояние брокера.
type ReadyProbe struct {
	DB     *sql.DB
	Broker func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Broker != nil {
		return rp.Broker(ctx)
	}
	return nil
}

// History lists recorded commands for the audit endpoint.
type History interface {
	Recent(ctx context.Context, device string, limit int) ([]audit.Entry, error)
}

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	verifier auth.Verifier
	resolver *auth.Resolver
	sessions *session.Manager
	history  History

	rateBurst  int
	ratePerSec int
	maxBody    int64
}

type Option func(*API)

func WithHistory(h History) Option {
	return func(a *API) { a.history = h }
}

func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) { a.rateBurst, a.ratePerSec = burst, perSecond }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) { a.maxBody = n }
}

func New(rp readinessChecker, version string, verifier auth.Verifier, resolver *auth.Resolver, sessions *session.Manager, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		verifier:   verifier,
		resolver:   resolver,
		sessions:   sessions,
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    8 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("GET /v1/session", a.getSession)
	a.mux.HandleFunc("GET /v1/devices", a.listDevices)
	a.mux.HandleFunc("GET /v1/events", a.Stream)
	a.mux.HandleFunc("POST /v1/devices/{id}/pump", a.setPump)
	a.mux.HandleFunc("POST /v1/devices/{id}/status", a.requestStatus)
	a.mux.HandleFunc("POST /v1/devices/{id}/select", a.selectDevice)
	a.mux.HandleFunc("GET /v1/devices/{id}/schedules", a.listSchedules)
	a.mux.HandleFunc("POST /v1/devices/{id}/schedules", a.addSchedule)
	a.mux.HandleFunc("DELETE /v1/devices/{id}/schedules/{sid}", a.deleteSchedule)
	a.mux.HandleFunc("POST /v1/devices/{id}/schedules/{sid}/toggle", a.toggleSchedule)
	a.mux.HandleFunc("POST /v1/devices/{id}/firmware", a.uploadFirmware)
	a.mux.HandleFunc("GET /v1/devices/{id}/audit", a.deviceAudit)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler собирает цепочку middleware вокруг mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.sessions != nil {
		info["sessions"] = a.sessions.Len()
	}
	writeJSON(w, http.StatusOK, info)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
