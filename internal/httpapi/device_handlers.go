package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"pumpctl.org/internal/auth"
	"pumpctl.org/internal/device"
	"pumpctl.org/internal/protocol"
	"pumpctl.org/internal/session"
	"pumpctl.org/internal/transfer"
	"pumpctl.org/internal/transport"
)

type pumpRequest struct {
	On bool `json:"on"`
}

type scheduleView struct {
	protocol.Schedule
	Label string `json:"label"`
}

type schedulesResponse struct {
	Device    device.ID      `json:"device"`
	Selected  bool           `json:"selected"`
	Schedules []scheduleView `json:"schedules"`
}

func viewSchedules(in []protocol.Schedule) []scheduleView {
	out := make([]scheduleView, 0, len(in))
	for _, s := range in {
		out = append(out, scheduleView{Schedule: s, Label: s.Label()})
	}
	return out
}

// session returns the caller's live session, starting it on first use.
func (a *API) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "sessions disabled")
		return nil, false
	}
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "missing identity")
		return nil, false
	}
	s, err := a.sessions.Get(r.Context(), p, auth.ScopeFromContext(r.Context()))
	if err != nil {
		handleSessionError(w, r, err)
		return nil, false
	}
	return s, true
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	snap := s.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"items":         snap.Devices,
		"selected":      snap.Selected,
		"pump_controls": snap.PumpControls,
		"transport":     snap.Transport,
		"as_of":         snap.At,
	})
}

func (a *API) setPump(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var req pumpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if err := s.SetPump(r.Context(), id, req.On); err != nil {
		handleSessionError(w, r, err)
		return
	}
	state := "off"
	if req.On {
		state = "on"
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"device": canonical(id), "pump": state})
}

func (a *API) requestStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	rec, err := s.RequestStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) selectDevice(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := s.Select(r.Context(), r.PathValue("id")); err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// listSchedules returns the cached list; ?refresh=true asks the device for
// a fresh one, which arrives asynchronously.
func (a *API) listSchedules(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if !s.Scope().Permits(id) {
		handleSessionError(w, r, auth.ErrDeviceNotPermitted)
		return
	}
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		if err := s.LoadSchedules(r.Context(), id); err != nil {
			handleSessionError(w, r, err)
			return
		}
	}
	snap := s.Snapshot()
	resp := schedulesResponse{Device: canonical(id), Schedules: []scheduleView{}}
	if snap.Selected == resp.Device {
		resp.Selected = true
		resp.Schedules = viewSchedules(snap.Schedules)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) addSchedule(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var spec protocol.ScheduleSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sched, err := spec.Build(time.Now())
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	if err := s.AddSchedule(r.Context(), r.PathValue("id"), sched); err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleView{Schedule: sched, Label: sched.Label()})
}

func (a *API) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	sid, ok := scheduleID(w, r)
	if !ok {
		return
	}
	if err := s.DeleteSchedule(r.Context(), r.PathValue("id"), sid); err != nil {
		handleSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) toggleSchedule(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	sid, ok := scheduleID(w, r)
	if !ok {
		return
	}
	sched, err := s.ToggleSchedule(r.Context(), r.PathValue("id"), sid)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleView{Schedule: sched, Label: sched.Label()})
}

// uploadFirmware takes the raw image as the request body.
func (a *API) uploadFirmware(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	image, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "firmware image too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var chunks int
	err = s.UploadFirmware(r.Context(), r.PathValue("id"), image, func(sent, total int) { chunks++ })
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device": canonical(r.PathValue("id")),
		"bytes":  len(image),
		"chunks": chunks,
	})
}

func (a *API) deviceAudit(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, r, http.StatusNotFound, "audit history disabled")
		return
	}
	id, err := auth.ScopeFromContext(r.Context()).Check(r.PathValue("id"))
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.history.Recent(r.Context(), string(id), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func scheduleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	sid, err := strconv.ParseInt(r.PathValue("sid"), 10, 64)
	if err != nil || sid <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid schedule id")
		return 0, false
	}
	return sid, true
}

func canonical(raw string) device.ID {
	id, _ := device.ParseID(raw)
	return id
}

// handleSessionError maps domain errors onto HTTP status codes.
func handleSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingIdentity), errors.Is(err, auth.ErrUnauthorized):
		unauthorized(w, r, err.Error())
	case errors.Is(err, auth.ErrDeviceNotPermitted):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, protocol.ErrInvalidSchedule), errors.Is(err, transfer.ErrEmptyPayload):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, protocol.ErrUnknownSchedule):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrDeviceOffline),
		errors.Is(err, session.ErrTransferInProgress),
		errors.Is(err, session.ErrSuperseded):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, transport.ErrUnavailable), errors.Is(err, session.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, transfer.ErrAborted):
		writeError(w, r, http.StatusBadGateway, err.Error())
	case errors.Is(err, session.ErrNoResponse), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
