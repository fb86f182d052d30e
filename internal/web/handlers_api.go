package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"smartthings-go-home/internal/account"
	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/discovery"
	"smartthings-go-home/internal/entity"
)

const maxRequestBytes = 1 << 20

// AccountView summarizes one account's polling state.
type AccountView struct {
	ID            string    `json:"id"`
	Devices       int       `json:"devices"`
	Entities      int       `json:"entities"`
	Interval      string    `json:"interval"`
	Active        bool      `json:"active"`
	Webhook       bool      `json:"webhook"`
	FailedDevices []string  `json:"failed_devices"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DeviceView is a device as listed by the API.
type DeviceView struct {
	Account      string          `json:"account"`
	DeviceID     string          `json:"device_id"`
	Name         string          `json:"name"`
	Manufacturer string          `json:"manufacturer"`
	Model        string          `json:"model,omitempty"`
	Components   []api.Component `json:"components"`
}

// EntityView is a discovered entity with its current state.
type EntityView struct {
	Account    string               `json:"account"`
	Available  bool                 `json:"available"`
	State      any                  `json:"state"`
	Attributes map[string]any       `json:"attributes"`
	Descriptor discovery.Descriptor `json:"descriptor"`
}

func (s *Server) handleAPIListAccounts(w http.ResponseWriter, r *http.Request) {
	views := []AccountView{}
	for _, a := range s.reg.All() {
		v := AccountView{ID: a.ID, Webhook: a.WebhookID != "", FailedDevices: []string{}}
		if a.Coordinator != nil {
			snap := a.Coordinator.Snapshot()
			v.Devices = len(snap.Devices)
			v.UpdatedAt = snap.UpdatedAt
			v.Interval = a.Coordinator.Interval().String()
			v.Active = a.Coordinator.Active()
			v.FailedDevices = a.Coordinator.FailedDevices()
			if err := a.Coordinator.LastError(); err != nil {
				v.LastError = err.Error()
			}
		}
		if a.Engine != nil {
			v.Entities = len(a.Engine.Entities())
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, views)
}

// accounts returns the accounts selected by the ?account= query parameter,
// or all of them.
func (s *Server) accounts(r *http.Request) ([]*account.Account, error) {
	id := r.URL.Query().Get("account")
	if id == "" {
		return s.reg.All(), nil
	}
	a, ok := s.reg.Get(id)
	if !ok {
		return nil, account.ErrUnknownAccount
	}
	return []*account.Account{a}, nil
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts(r)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "account not found")
		return
	}
	views := []DeviceView{}
	for _, a := range accounts {
		if a.Coordinator == nil {
			continue
		}
		snap := a.Coordinator.Snapshot()
		for _, id := range snap.DeviceIDs() {
			dev := snap.Devices[id]
			views = append(views, DeviceView{
				Account:      a.ID,
				DeviceID:     id,
				Name:         dev.DisplayName(),
				Manufacturer: dev.ManufacturerLabel(),
				Model:        dev.Model(),
				Components:   dev.Components,
			})
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	accounts, err := s.accounts(r)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "account not found")
		return
	}
	for _, a := range accounts {
		if a.Coordinator == nil {
			continue
		}
		snap := a.Coordinator.Snapshot()
		if _, ok := snap.Device(id); !ok {
			continue
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"account":   a.ID,
			"device_id": id,
			"status":    snap.Status[id],
		})
		return
	}
	s.writeError(w, http.StatusNotFound, "device not found")
}

func entityView(a *account.Account, d discovery.Descriptor) EntityView {
	v := EntityView{Account: a.ID, Descriptor: d, Attributes: map[string]any{}}
	if a.Runtime != nil {
		v.Available = a.Runtime.Available(d)
		v.State = a.Runtime.State(d)
		v.Attributes = a.Runtime.Attributes(d)
	}
	return v
}

func (s *Server) handleAPIListEntities(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts(r)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "account not found")
		return
	}
	platform := r.URL.Query().Get("platform")
	views := []EntityView{}
	for _, a := range accounts {
		if a.Engine == nil {
			continue
		}
		for _, d := range a.Engine.Entities() {
			if platform != "" && d.Platform != platform {
				continue
			}
			views = append(views, entityView(a, d))
		}
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Descriptor.UniqueID < views[j].Descriptor.UniqueID
	})
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetEntity(w http.ResponseWriter, r *http.Request) {
	a, d, ok := s.reg.Entity(r.PathValue("platform"), r.PathValue("unique_id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, http.StatusOK, entityView(a, d))
}

// Entity actions accepted by POST /api/entities/{platform}/{unique_id}.
// Vacuums take their action names directly (start, pause, stop,
// return_to_base).
const (
	actionTurnOn       = "turn_on"
	actionTurnOff      = "turn_off"
	actionPress        = "press"
	actionSetValue     = "set_value"
	actionSelectOption = "select_option"
)

type entityActionRequest struct {
	Action string          `json:"action"`
	Value  json.RawMessage `json:"value,omitempty"`
}

func (s *Server) handleAPIEntityAction(w http.ResponseWriter, r *http.Request) {
	a, d, ok := s.reg.Entity(r.PathValue("platform"), r.PathValue("unique_id"))
	if !ok || a.Runtime == nil {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}

	var req entityActionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rt, ctx := a.Runtime, r.Context()
	var err error
	switch {
	case d.Platform == discovery.PlatformVacuum:
		err = rt.Vacuum(ctx, d, req.Action)
	case req.Action == actionTurnOn:
		err = rt.TurnOn(ctx, d)
	case req.Action == actionTurnOff:
		err = rt.TurnOff(ctx, d)
	case req.Action == actionPress:
		err = rt.Press(ctx, d)
	case req.Action == actionSetValue:
		var v float64
		if json.Unmarshal(req.Value, &v) != nil {
			s.writeError(w, http.StatusBadRequest, "value must be a number")
			return
		}
		err = rt.SetNumber(ctx, d, v)
	case req.Action == actionSelectOption:
		var v string
		if json.Unmarshal(req.Value, &v) != nil {
			s.writeError(w, http.StatusBadRequest, "value must be a string")
			return
		}
		err = rt.SelectOption(ctx, d, v)
	default:
		err = entity.ErrUnsupported
	}
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPICameraImage(w http.ResponseWriter, r *http.Request) {
	a, d, ok := s.reg.Entity(discovery.PlatformCamera, r.PathValue("unique_id"))
	if !ok || a.Runtime == nil {
		s.writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	data, err := a.Runtime.CameraImage(r.Context(), d)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write camera image", "unique_id", d.UniqueID, "err", err)
	}
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	var req account.CommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.reg.SendCommand(r.Context(), req); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeCommandError maps command and runtime errors to HTTP statuses.
// Caller mistakes are reported verbatim, upstream failures as 502.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	var reqErr *api.RequestError
	switch {
	case errors.Is(err, account.ErrUnknownAccount), errors.Is(err, entity.ErrNoImage):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, account.ErrAmbiguousAccount),
		errors.Is(err, account.ErrInvalidArguments),
		errors.Is(err, entity.ErrInvalidOption),
		errors.Is(err, entity.ErrUnsupported):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, api.ErrAuthFailed):
		s.logger.Warn("upstream authentication failed", "err", err)
		s.writeError(w, http.StatusBadGateway, "authentication with the cloud failed")
	case errors.As(err, &reqErr):
		s.logger.Warn("upstream request failed", "status", reqErr.StatusCode, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("command failed", "err", err)
		s.writeError(w, http.StatusBadGateway, "command failed")
	}
}
