package melcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stzoran1/melcloud-bridge/internal/log"
)

// emptyResponse reports a body the remote should never legitimately
// return for a device operation: nothing, or a bare JSON null.
func emptyResponse(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// ListDevices returns the account's building hierarchy. Devices may be
// attached directly to a building's structure or nested under its
// floors and areas; use FlattenDevices or Devices to walk them.
func (c *Client) ListDevices(ctx context.Context) ([]Building, error) {
	if err := c.Login(ctx); err != nil {
		return nil, err
	}

	raw, err := c.get(ctx, listDevicesPath)
	if err != nil {
		return nil, err
	}
	if emptyResponse(raw) {
		return nil, &ProtocolError{Op: "ListDevices", Reason: "empty response"}
	}

	var buildings []Building
	if err := json.Unmarshal(raw, &buildings); err != nil {
		return nil, &ProtocolError{Op: "ListDevices", Reason: "unexpected shape", Body: snippet(raw)}
	}

	log.Debug("Listed %d buildings", len(buildings))
	return buildings, nil
}

// Devices returns every device of the account exactly once, flattened
// out of the building hierarchy.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	buildings, err := c.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	return FlattenDevices(buildings), nil
}

// GetDevice returns the full state record of one unit. The remote
// requires building scoping; a device ID alone is not addressable.
func (c *Client) GetDevice(ctx context.Context, deviceID, buildingID int) (*DeviceState, error) {
	if err := c.Login(ctx); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s?id=%d&BuildingID=%d", getDevicePath, deviceID, buildingID)
	raw, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	if emptyResponse(raw) {
		return nil, &ProtocolError{Op: "GetDevice", Reason: "empty response"}
	}

	var state DeviceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, &ProtocolError{Op: "GetDevice", Reason: "unexpected shape", Body: snippet(raw)}
	}

	// BuildingID is not always echoed back; restore it from the request.
	if state.BuildingID == 0 {
		state.BuildingID = buildingID
	}

	return &state, nil
}

// SetDeviceData posts a device-state patch. The caller must have set
// EffectiveFlags for every field it changed; fields without their bit
// are silently ignored by the remote, so a zero flags value is refused
// here rather than sent as a no-op.
func (c *Client) SetDeviceData(ctx context.Context, state *DeviceState) (*DeviceState, error) {
	if state.EffectiveFlags == 0 {
		return nil, fmt.Errorf("melcloud: SetDeviceData requires EffectiveFlags to mark the changed fields")
	}

	if err := c.Login(ctx); err != nil {
		return nil, err
	}

	state.HasPendingCommand = true

	raw, err := c.post(ctx, setDevicePath, state)
	if err != nil {
		return nil, err
	}
	if emptyResponse(raw) {
		return nil, &ProtocolError{Op: "SetDeviceData", Reason: "empty response"}
	}

	var updated DeviceState
	if err := json.Unmarshal(raw, &updated); err != nil {
		return nil, &ProtocolError{Op: "SetDeviceData", Reason: "unexpected shape", Body: snippet(raw)}
	}
	if updated.BuildingID == 0 {
		updated.BuildingID = state.BuildingID
	}

	log.Info("Submitted state change for device %d (flags %d)", state.DeviceID, state.EffectiveFlags)
	return &updated, nil
}

// updateOptionsRequest is the fixed-shape preferences payload the
// remote schema expects; everything but UseFahrenheit is a constant
// placeholder.
type updateOptionsRequest struct {
	UseFahrenheit          bool   `json:"UseFahrenheit"`
	EmailOnCommsError      bool   `json:"EmailOnCommsError"`
	EmailOnUnitError       bool   `json:"EmailOnUnitError"`
	EmailCommsErrors       int    `json:"EmailCommsErrors"`
	EmailUnitErrors        int    `json:"EmailUnitErrors"`
	RestorePages           bool   `json:"RestorePages"`
	MarketingCommunication bool   `json:"MarketingCommunication"`
	AlternateEmailAddress  string `json:"AlternateEmailAddress"`
	Fred                   int    `json:"Fred"`
}

// UpdateOptions sets the account's display-unit preference and persists
// it locally on success.
func (c *Client) UpdateOptions(ctx context.Context, useFahrenheit bool) error {
	if err := c.Login(ctx); err != nil {
		return err
	}

	body := updateOptionsRequest{
		UseFahrenheit:    useFahrenheit,
		EmailCommsErrors: 1,
		EmailUnitErrors:  1,
		Fred:             4,
	}

	raw, err := c.post(ctx, updateOptionsPath, body)
	if err != nil {
		return err
	}
	if emptyResponse(raw) {
		return &ProtocolError{Op: "UpdateOptions", Reason: "empty response", StatusCode: http.StatusOK}
	}

	if err := c.session.setFahrenheit(useFahrenheit); err != nil {
		log.Warn("Failed to persist display-unit preference: %v", err)
	}
	return nil
}
