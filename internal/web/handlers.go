package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/stzoran1/melcloud-bridge/internal/log"
	"github.com/stzoran1/melcloud-bridge/internal/melcloud"
	"github.com/stzoran1/melcloud-bridge/internal/storage"
)

// Version information, set via ldflags at build time
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// StatusResponse represents the overall system status
type StatusResponse struct {
	SessionValid  bool `json:"session_valid"`
	Configured    bool `json:"configured"`
	UseFahrenheit bool `json:"use_fahrenheit"`
	Devices       int  `json:"devices"`
}

// DeviceResponse represents one device for the API
type DeviceResponse struct {
	DeviceID       int     `json:"device_id"`
	BuildingID     int     `json:"building_id"`
	Name           string  `json:"name"`
	SerialNumber   string  `json:"serial_number"`
	Power          bool    `json:"power"`
	RoomTemp       float64 `json:"room_temp"`
	SetTemp        float64 `json:"set_temp"`
	Mode           string  `json:"mode"`
	ModeCode       int     `json:"mode_code"`
	FanSpeed       int     `json:"fan_speed"`
	VaneHorizontal int     `json:"vane_horizontal"`
	VaneVertical   int     `json:"vane_vertical"`
	Offline        bool    `json:"offline"`
	UpdatedAt      string  `json:"updated_at,omitempty"`
}

// ControlRequest represents a device control change. Only the fields
// present are translated into the outgoing patch.
type ControlRequest struct {
	Power          *bool    `json:"power,omitempty"`
	Mode           *string  `json:"mode,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	FanSpeed       *int     `json:"fan_speed,omitempty"`
	VaneHorizontal *int     `json:"vane_horizontal,omitempty"`
	VaneVertical   *int     `json:"vane_vertical,omitempty"`
	Swing          *bool    `json:"swing,omitempty"`
}

// OptionsRequest represents a display-unit preference change
type OptionsRequest struct {
	UseFahrenheit bool `json:"use_fahrenheit"`
}

// CredentialsRequest represents a credentials save request
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Language int    `json:"language"`
}

// ConfigResponse represents configuration status
type ConfigResponse struct {
	HasCredentials bool   `json:"has_credentials"`
	Email          string `json:"email,omitempty"`
	PollInterval   int    `json:"poll_interval_seconds"`
}

// VersionResponse represents version info
type VersionResponse struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// applyControl translates a semantic control request into the patch and
// EffectiveFlags the remote API expects. The fetched state's flags are
// cleared first so the patch carries exactly the requested changes.
func applyControl(state *melcloud.DeviceState, req ControlRequest) error {
	state.ResetEffectiveFlags()

	if req.Power != nil {
		if *req.Power {
			// Power-on is always asserted together with a mode.
			mode := state.OperationMode
			if req.Mode != nil {
				m, err := melcloud.ParseOperationMode(*req.Mode)
				if err != nil {
					return err
				}
				mode = m
			}
			state.SetOperationMode(mode)
		} else {
			state.SetPowerOff()
		}
	} else if req.Mode != nil {
		mode, err := melcloud.ParseOperationMode(*req.Mode)
		if err != nil {
			return err
		}
		state.SetOperationMode(mode)
	}

	if req.Temperature != nil {
		state.SetTargetTemperature(*req.Temperature)
	}
	if req.FanSpeed != nil {
		state.SetFanSpeedLevel(*req.FanSpeed)
	}

	if req.Swing != nil {
		if *req.Swing {
			state.SetVaneSwing()
		} else {
			state.SetVaneVertical(melcloud.VaneAuto)
			state.SetVaneHorizontal(melcloud.VaneAuto)
		}
	} else {
		if req.VaneVertical != nil {
			state.SetVaneVertical(*req.VaneVertical)
		}
		if req.VaneHorizontal != nil {
			state.SetVaneHorizontal(*req.VaneHorizontal)
		}
	}

	if state.EffectiveFlags == 0 {
		return fmt.Errorf("control request contains no changes")
	}
	return nil
}

func deviceResponse(state *melcloud.DeviceState) DeviceResponse {
	name := ""
	if state.Name != nil {
		name = *state.Name
	}
	return DeviceResponse{
		DeviceID:       state.DeviceID,
		BuildingID:     state.BuildingID,
		Name:           name,
		SerialNumber:   state.SerialNumber,
		Power:          state.Power,
		RoomTemp:       state.RoomTemperature,
		SetTemp:        state.SetTemperature,
		Mode:           melcloud.OperationModeString(state.OperationMode),
		ModeCode:       state.OperationMode,
		FanSpeed:       state.SetFanSpeed,
		VaneHorizontal: state.VaneHorizontal,
		VaneVertical:   state.VaneVertical,
		Offline:        state.Offline,
	}
}

// handleStatus returns overall system status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	client := s.service.GetClient()
	db := s.service.GetDB()

	creds, _ := db.GetCredentials()
	snaps, _ := db.GetDeviceSnapshots()

	writeJSON(w, http.StatusOK, StatusResponse{
		SessionValid:  client.IsSessionValid(),
		Configured:    creds != nil || client.HasCredentials(),
		UseFahrenheit: client.UseFahrenheit(),
		Devices:       len(snaps),
	})
}

// handleListDevices returns the flattened device list from the cloud
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.service.GetClient().Devices(r.Context())
	if err != nil {
		log.Error("List devices failed: %v", err)
		writeError(w, http.StatusBadGateway, "list devices: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// resolveBuildingID finds a device's building from the query string or,
// failing that, the stored snapshot.
func (s *Server) resolveBuildingID(r *http.Request, deviceID int) (int, error) {
	if raw := r.URL.Query().Get("building_id"); raw != "" {
		return strconv.Atoi(raw)
	}
	snap, err := s.service.GetDB().GetDeviceSnapshot(deviceID)
	if err != nil {
		return 0, err
	}
	if snap == nil {
		return 0, fmt.Errorf("unknown device %d, pass building_id", deviceID)
	}
	return snap.BuildingID, nil
}

// handleGetDevice returns the live state of one device
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := strconv.Atoi(mux.Vars(r)["id"])

	buildingID, err := s.resolveBuildingID(r, deviceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	state, err := s.service.GetClient().GetDevice(r.Context(), deviceID, buildingID)
	if err != nil {
		log.Error("Get device %d failed: %v", deviceID, err)
		writeError(w, http.StatusBadGateway, "get device: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, deviceResponse(state))
}

// handleControl applies a semantic control change to one device
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := strconv.Atoi(mux.Vars(r)["id"])

	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	buildingID, err := s.resolveBuildingID(r, deviceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	client := s.service.GetClient()
	state, err := client.GetDevice(r.Context(), deviceID, buildingID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "get device: %v", err)
		return
	}

	if err := applyControl(state, req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	updated, err := client.SetDeviceData(r.Context(), state)
	if err != nil {
		log.Error("Control for device %d failed: %v", deviceID, err)
		writeError(w, http.StatusBadGateway, "set device data: %v", err)
		return
	}

	db := s.service.GetDB()
	db.LogEvent(storage.EventSourceWeb, storage.EventTypeControl,
		fmt.Sprintf("Control change for device %d", deviceID),
		map[string]interface{}{"flags": state.EffectiveFlags})

	snap := snapshotFromState(updated)
	if err := db.SaveDeviceSnapshot(snap); err != nil {
		log.Warn("Failed to save device snapshot: %v", err)
	}
	s.BroadcastDeviceUpdate(snap)

	writeJSON(w, http.StatusOK, deviceResponse(updated))
}

// handleUpdateOptions changes the account display-unit preference
func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	var req OptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	if err := s.service.GetClient().UpdateOptions(r.Context(), req.UseFahrenheit); err != nil {
		log.Error("Update options failed: %v", err)
		writeError(w, http.StatusBadGateway, "update options: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"use_fahrenheit": req.UseFahrenheit})
}

// handleGetConfig returns configuration status
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.service.GetConfig()
	creds, _ := s.service.GetDB().GetCredentials()

	resp := ConfigResponse{
		HasCredentials: creds != nil,
		PollInterval:   cfg.PollInterval,
	}
	if creds != nil {
		resp.Email = creds.Email
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSaveCredentials stores encrypted account credentials and points
// the client at them
func (s *Server) handleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	encrypted, err := s.service.GetEncryptionKey().EncryptString(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encrypt password: %v", err)
		return
	}

	db := s.service.GetDB()
	if err := db.SaveCredentials(req.Email, encrypted, req.Language); err != nil {
		writeError(w, http.StatusInternalServerError, "save credentials: %v", err)
		return
	}

	s.service.GetClient().SetCredentials(req.Email, req.Password)
	db.LogEvent(storage.EventSourceWeb, storage.EventTypeCredentials,
		"Credentials updated", map[string]interface{}{"email": req.Email})

	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// handleGetEvents returns recent events
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	filter := storage.EventLogFilter{Limit: 100}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if raw := r.URL.Query().Get("source"); raw != "" {
		source := storage.EventSource(raw)
		filter.Source = &source
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		if since, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Since = &since
		}
	}

	logs, err := s.service.GetDB().GetEventLogs(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query events: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, logs)
}

// handleVersion returns build version info
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: Version, BuildDate: BuildDate})
}

// snapshotFromState converts a live device state into a stored snapshot.
func snapshotFromState(state *melcloud.DeviceState) *storage.DeviceSnapshot {
	name := ""
	if state.Name != nil {
		name = *state.Name
	}
	return &storage.DeviceSnapshot{
		DeviceID:       state.DeviceID,
		BuildingID:     state.BuildingID,
		Name:           name,
		SerialNumber:   state.SerialNumber,
		Power:          state.Power,
		RoomTemp:       state.RoomTemperature,
		SetTemp:        state.SetTemperature,
		OperationMode:  state.OperationMode,
		FanSpeed:       state.SetFanSpeed,
		VaneHorizontal: state.VaneHorizontal,
		VaneVertical:   state.VaneVertical,
		Offline:        state.Offline,
		UpdatedAt:      time.Now(),
	}
}
