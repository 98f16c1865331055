package melcloud

import (
	"fmt"
	"time"
)

// EffectiveFlags bits. The remote API applies only the fields of a
// Device/SetAta payload whose bit is set; a field changed without its
// bit is silently ignored.
const (
	FlagPower          = 0x01
	FlagOperationMode  = 0x02
	FlagTemperature    = 0x04
	FlagFanSpeed       = 0x08
	FlagVaneVertical   = 0x10
	FlagVaneHorizontal = 0x100

	// FlagVaneSwing covers both vane angles at once.
	FlagVaneSwing = FlagVaneHorizontal | FlagVaneVertical
)

// Operation modes. Codes 2 (dry) and 7 (fan) occur in the wild and must
// round-trip untouched even though the bridge never sets them itself.
const (
	OpModeHeat = 1
	OpModeDry  = 2
	OpModeCool = 3
	OpModeFan  = 7
	OpModeAuto = 8
)

// Vane positions. 0 is auto, 1-5 are fixed angles.
const (
	VaneAuto            = 0
	VaneVerticalSwing   = 7
	VaneHorizontalSplit = 8
	VaneHorizontalSwing = 12
)

// OperationModeString returns the name of an operation mode. Unknown
// codes are reported as "unknown" but are never rewritten in the state.
func OperationModeString(mode int) string {
	switch mode {
	case OpModeHeat:
		return "heat"
	case OpModeDry:
		return "dry"
	case OpModeCool:
		return "cool"
	case OpModeFan:
		return "fan"
	case OpModeAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// ParseOperationMode converts a mode name to its wire code.
func ParseOperationMode(s string) (int, error) {
	switch s {
	case "heat":
		return OpModeHeat, nil
	case "dry":
		return OpModeDry, nil
	case "cool":
		return OpModeCool, nil
	case "fan":
		return OpModeFan, nil
	case "auto":
		return OpModeAuto, nil
	default:
		return 0, fmt.Errorf("invalid operation mode: %q", s)
	}
}

// loginRequest is the Login/ClientLogin payload.
type loginRequest struct {
	AppVersion       string `json:"AppVersion"`
	CaptchaChallenge string `json:"CaptchaChallenge"`
	CaptchaResponse  string `json:"CaptchaResponse"`
	Email            string `json:"Email"`
	Language         int    `json:"Language"`
	Password         string `json:"Password"`
	Persist          string `json:"Persist"`
}

// LoginData is the authenticated-session substructure of a login
// response. Its absence means the login was rejected.
type LoginData struct {
	ContextKey    string `json:"ContextKey"`
	Name          string `json:"Name"`
	Language      int    `json:"Language"`
	Country       int    `json:"Country"`
	UseFahrenheit bool   `json:"UseFahrenheit"`
	Duration      int    `json:"Duration"`
	Expiry        string `json:"Expiry"`
}

// LoginResponse is the top-level Login/ClientLogin response.
type LoginResponse struct {
	ErrorId       *int       `json:"ErrorId"`
	ErrorMessage  *string    `json:"ErrorMessage"`
	LoginStatus   *int       `json:"LoginStatus"`
	LoginData     *LoginData `json:"LoginData"`
	LoginMinutes  *int       `json:"LoginMinutes"`
	LoginAttempts *int       `json:"LoginAttempts"`
}

// Device identifies a controllable unit within a building.
type Device struct {
	DeviceID     int    `json:"DeviceID"`
	BuildingID   int    `json:"BuildingID"`
	DeviceName   string `json:"DeviceName"`
	SerialNumber string `json:"SerialNumber"`
	MacAddress   string `json:"MacAddress"`
}

// Area holds devices grouped within a floor or directly in a building.
type Area struct {
	ID      int      `json:"ID"`
	Name    string   `json:"Name"`
	Devices []Device `json:"Devices"`
}

// Floor holds devices and areas within a building.
type Floor struct {
	ID      int      `json:"ID"`
	Name    string   `json:"Name"`
	Devices []Device `json:"Devices"`
	Areas   []Area   `json:"Areas"`
}

// Structure is the device tree of a building.
type Structure struct {
	Devices []Device `json:"Devices"`
	Areas   []Area   `json:"Areas"`
	Floors  []Floor  `json:"Floors"`
}

// Building is one entry of the User/ListDevices response.
type Building struct {
	ID        int       `json:"ID"`
	Name      string    `json:"Name"`
	Structure Structure `json:"Structure"`
}

// DeviceState is the full state record of an air-to-air unit as
// returned by Device/Get and posted back to Device/SetAta. When used as
// a patch, only the fields whose EffectiveFlags bit is set are applied.
type DeviceState struct {
	DeviceID          int     `json:"DeviceID"`
	BuildingID        int     `json:"BuildingID"`
	DeviceType        int     `json:"DeviceType"`
	SerialNumber      string  `json:"SerialNumber,omitempty"`
	Name              *string `json:"Name"`
	Power             bool    `json:"Power"`
	RoomTemperature   float64 `json:"RoomTemperature"`
	SetTemperature    float64 `json:"SetTemperature"`
	OperationMode     int     `json:"OperationMode"`
	SetFanSpeed       int     `json:"SetFanSpeed"`
	NumberOfFanSpeeds int     `json:"NumberOfFanSpeeds"`
	VaneHorizontal    int     `json:"VaneHorizontal"`
	VaneVertical      int     `json:"VaneVertical"`
	InStandbyMode     bool    `json:"InStandbyMode"`
	Offline           bool    `json:"Offline"`
	ErrorCode         int     `json:"ErrorCode"`
	ErrorMessage      *string `json:"ErrorMessage"`
	LastCommunication string  `json:"LastCommunication"`
	NextCommunication string  `json:"NextCommunication"`
	EffectiveFlags    int     `json:"EffectiveFlags"`
	HasPendingCommand bool    `json:"HasPendingCommand"`
}

// LastCommunicationTime parses the LastCommunication timestamp. The
// remote reports local time with varying fractional precision.
func (s *DeviceState) LastCommunicationTime() (time.Time, error) {
	layouts := []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		time.RFC3339Nano,
	}
	var err error
	for _, layout := range layouts {
		var t time.Time
		if t, err = time.Parse(layout, s.LastCommunication); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// SetPowerOff marks the unit for power-off. No operation mode bit is
// asserted; the mode field is left as-is and ignored by the remote.
func (s *DeviceState) SetPowerOff() {
	s.Power = false
	s.EffectiveFlags |= FlagPower
}

// SetOperationMode powers the unit on in the given mode. Power and mode
// are always asserted together when switching modes.
func (s *DeviceState) SetOperationMode(mode int) {
	s.Power = true
	s.OperationMode = mode
	s.EffectiveFlags |= FlagPower | FlagOperationMode
}

// SetTargetTemperature changes the setpoint.
func (s *DeviceState) SetTargetTemperature(temp float64) {
	s.SetTemperature = temp
	s.EffectiveFlags |= FlagTemperature
}

// SetFanSpeedLevel changes the fan speed. 0 is auto.
func (s *DeviceState) SetFanSpeedLevel(speed int) {
	s.SetFanSpeed = speed
	s.EffectiveFlags |= FlagFanSpeed
}

// SetVaneVertical changes the vertical vane angle.
func (s *DeviceState) SetVaneVertical(pos int) {
	s.VaneVertical = pos
	s.EffectiveFlags |= FlagVaneVertical
}

// SetVaneHorizontal changes the horizontal vane angle.
func (s *DeviceState) SetVaneHorizontal(pos int) {
	s.VaneHorizontal = pos
	s.EffectiveFlags |= FlagVaneHorizontal
}

// SetVaneSwing puts both vanes into swing mode.
func (s *DeviceState) SetVaneSwing() {
	s.VaneVertical = VaneVerticalSwing
	s.VaneHorizontal = VaneHorizontalSwing
	s.EffectiveFlags |= FlagVaneSwing
}

// ResetEffectiveFlags clears the pending-change bits. Call before
// composing a new patch from a fetched state.
func (s *DeviceState) ResetEffectiveFlags() {
	s.EffectiveFlags = 0
}

// FlattenDevices walks the building structures and returns every device
// exactly once, regardless of how deeply it is nested. Devices missing
// a BuildingID inherit it from the enclosing building.
func FlattenDevices(buildings []Building) []Device {
	var all []Device
	seen := make(map[int]struct{})

	add := func(buildingID int, devices []Device) {
		for _, d := range devices {
			if _, ok := seen[d.DeviceID]; ok {
				continue
			}
			if d.BuildingID == 0 {
				d.BuildingID = buildingID
			}
			all = append(all, d)
			seen[d.DeviceID] = struct{}{}
		}
	}

	for _, b := range buildings {
		add(b.ID, b.Structure.Devices)
		for _, area := range b.Structure.Areas {
			add(b.ID, area.Devices)
		}
		for _, floor := range b.Structure.Floors {
			add(b.ID, floor.Devices)
			for _, area := range floor.Areas {
				add(b.ID, area.Devices)
			}
		}
	}

	return all
}
