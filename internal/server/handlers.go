package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/joshp123/schluter-go/internal/account"
	"github.com/joshp123/schluter-go/internal/coordinator"
	"github.com/joshp123/schluter-go/internal/neviweb"
	"github.com/joshp123/schluter-go/internal/rate"
)

// API serves the entry and thermostat endpoints over the coordinator
// registry.
type API struct {
	registry  *coordinator.Registry
	store     *account.Store
	validator account.ValidationAPI
	log       *zap.Logger
}

func NewAPI(registry *coordinator.Registry, store *account.Store, validator account.ValidationAPI, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{registry: registry, store: store, validator: validator, log: log}
}

// Routes mounts the API plus health and metrics on a fresh mux.
func (a *API) Routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.Handle("GET /metrics", metrics)

	mux.HandleFunc("GET /api/entries", a.listEntries)
	mux.HandleFunc("GET /api/entries/{entry}/thermostats", a.listThermostats)
	mux.HandleFunc("GET /api/entries/{entry}/thermostats/{device}", a.getThermostat)
	mux.HandleFunc("PUT /api/entries/{entry}/thermostats/{device}/temperature", a.setTemperature)
	mux.HandleFunc("PUT /api/entries/{entry}/thermostats/{device}/mode", a.setMode)
	mux.HandleFunc("PUT /api/entries/{entry}/thermostats/{device}/occupancy", a.setOccupancy)
	mux.HandleFunc("POST /api/entries/{entry}/token", a.updateToken)
	mux.HandleFunc("POST /api/entries/{entry}/refresh", a.requestRefresh)
	return mux
}

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type entryView struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
	Devices     int        `json:"devices"`
}

type thermostatView struct {
	DeviceID       int64    `json:"device_id"`
	Name           string   `json:"name"`
	CurrentTemp    *float64 `json:"current_temperature"`
	TargetTemp     *float64 `json:"target_temperature"`
	MinTemp        float64  `json:"min_temperature"`
	MaxTemp        float64  `json:"max_temperature"`
	Mode           string   `json:"mode"`
	Occupancy      string   `json:"occupancy"`
	Heating        bool     `json:"heating"`
	HeatingPercent int      `json:"heating_percent"`
	HVACAction     string   `json:"hvac_action"`
	Preset         string   `json:"preset"`
	HeatMode       bool     `json:"heat_mode"`
	GFCIStatus     string   `json:"gfci_status,omitempty"`
}

func viewOf(t neviweb.Thermostat) thermostatView {
	return thermostatView{
		DeviceID:       t.DeviceID,
		Name:           t.Name,
		CurrentTemp:    t.CurrentTemp,
		TargetTemp:     t.TargetTemp,
		MinTemp:        t.MinTemp,
		MaxTemp:        t.MaxTemp,
		Mode:           t.SetpointMode,
		Occupancy:      t.OccupancyMode,
		Heating:        t.Heating,
		HeatingPercent: t.HeatingPercent,
		HVACAction:     t.HVACAction(),
		Preset:         t.Preset(),
		HeatMode:       t.HeatMode(),
		GFCIStatus:     t.GFCIStatus,
	}
}

func (a *API) listEntries(w http.ResponseWriter, _ *http.Request) {
	views := []entryView{}
	for _, name := range a.registry.Names() {
		coord, ok := a.registry.Get(name)
		if !ok {
			continue
		}
		status, message := coord.Health()
		view := entryView{
			ID:      name,
			Status:  string(status),
			Message: message,
			Devices: len(coord.Devices()),
		}
		if last := coord.LastSuccess(); !last.IsZero() {
			view.LastRefresh = &last
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) listThermostats(w http.ResponseWriter, r *http.Request) {
	coord, ok := a.registry.Get(r.PathValue("entry"))
	if !ok {
		http.Error(w, "unknown entry", http.StatusNotFound)
		return
	}
	views := map[string]thermostatView{}
	for deviceID, state := range coord.Data() {
		views[strconv.FormatInt(deviceID, 10)] = viewOf(state)
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) getThermostat(w http.ResponseWriter, r *http.Request) {
	coord, deviceID, ok := a.resolve(w, r)
	if !ok {
		return
	}
	state, found := coord.Thermostat(deviceID)
	if !found {
		http.Error(w, "no snapshot for device", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(state))
}

func (a *API) setTemperature(w http.ResponseWriter, r *http.Request) {
	coord, deviceID, ok := a.resolve(w, r)
	if !ok {
		return
	}
	var body struct {
		Celsius *float64 `json:"celsius"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Celsius == nil {
		http.Error(w, "body must be {\"celsius\": <number>}", http.StatusBadRequest)
		return
	}
	confirmed, err := coord.SetTemperature(r.Context(), deviceID, *body.Celsius)
	a.writeResult(w, confirmed, err)
}

func (a *API) setMode(w http.ResponseWriter, r *http.Request) {
	coord, deviceID, ok := a.resolve(w, r)
	if !ok {
		return
	}
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "body must be {\"mode\": <string>}", http.StatusBadRequest)
		return
	}
	confirmed, err := coord.SetSetpointMode(r.Context(), deviceID, body.Mode)
	a.writeResult(w, confirmed, err)
}

func (a *API) setOccupancy(w http.ResponseWriter, r *http.Request) {
	coord, deviceID, ok := a.resolve(w, r)
	if !ok {
		return
	}
	var body struct {
		Occupancy string `json:"occupancy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "body must be {\"occupancy\": <string>}", http.StatusBadRequest)
		return
	}
	confirmed, err := coord.SetOccupancy(r.Context(), deviceID, body.Occupancy)
	a.writeResult(w, confirmed, err)
}

func (a *API) updateToken(w http.ResponseWriter, r *http.Request) {
	entryID := r.PathValue("entry")
	coord, ok := a.registry.Get(entryID)
	if !ok {
		http.Error(w, "unknown entry", http.StatusNotFound)
		return
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		http.Error(w, "body must be {\"refresh_token\": <string>}", http.StatusBadRequest)
		return
	}

	// Vet the token end to end before the coordinator adopts it; a bad
	// token must not disturb the running session.
	if a.validator != nil {
		if _, err := account.ValidateToken(r.Context(), a.validator, body.RefreshToken); err != nil {
			a.writeError(w, err)
			return
		}
	}

	if err := coord.UpdateRefreshToken(r.Context(), body.RefreshToken); err != nil {
		a.writeError(w, err)
		return
	}

	if a.store != nil {
		entry := account.Entry{
			SchemaVersion: account.SchemaVersion,
			EntryID:       entryID,
			RefreshToken:  body.RefreshToken,
		}
		if location, ok := coord.Location(); ok {
			entry.LocationID = location.ID
		}
		if err := a.store.Save(r.Context(), entry); err != nil {
			a.log.Warn("persist entry failed", zap.String("entry", entryID), zap.Error(err))
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) requestRefresh(w http.ResponseWriter, r *http.Request) {
	coord, ok := a.registry.Get(r.PathValue("entry"))
	if !ok {
		http.Error(w, "unknown entry", http.StatusNotFound)
		return
	}
	coord.RequestRefresh()
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) resolve(w http.ResponseWriter, r *http.Request) (*coordinator.Coordinator, int64, bool) {
	coord, ok := a.registry.Get(r.PathValue("entry"))
	if !ok {
		http.Error(w, "unknown entry", http.StatusNotFound)
		return nil, 0, false
	}
	deviceID, err := strconv.ParseInt(r.PathValue("device"), 10, 64)
	if err != nil {
		http.Error(w, "device id must be numeric", http.StatusBadRequest)
		return nil, 0, false
	}
	if _, found := coord.Thermostat(deviceID); !found {
		if _, discovered := a.deviceDiscovered(coord, deviceID); !discovered {
			http.Error(w, "unknown device", http.StatusNotFound)
			return nil, 0, false
		}
	}
	return coord, deviceID, true
}

func (a *API) deviceDiscovered(coord *coordinator.Coordinator, deviceID int64) (neviweb.Device, bool) {
	for _, device := range coord.Devices() {
		if device.ID == deviceID {
			return device, true
		}
	}
	return neviweb.Device{}, false
}

func (a *API) writeResult(w http.ResponseWriter, confirmed bool, err error) {
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"confirmed": confirmed})
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	var guardErr rate.GuardError
	switch {
	case neviweb.IsUsageError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, coordinator.ErrReauthRequired), neviweb.IsAuthError(err):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.As(err, &guardErr):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
