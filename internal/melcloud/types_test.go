package melcloud

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSetters(t *testing.T) {
	t.Run("temperature only", func(t *testing.T) {
		s := &DeviceState{Power: true, OperationMode: OpModeHeat}
		s.SetTargetTemperature(21)
		assert.Equal(t, 21.0, s.SetTemperature)
		assert.Equal(t, FlagTemperature, s.EffectiveFlags)
	})

	t.Run("power off asserts no mode bit", func(t *testing.T) {
		s := &DeviceState{Power: true, OperationMode: OpModeCool}
		s.SetPowerOff()
		assert.False(t, s.Power)
		assert.Equal(t, FlagPower, s.EffectiveFlags)
		assert.Equal(t, OpModeCool, s.OperationMode, "mode must be left untouched on power-off")
	})

	t.Run("mode change powers on", func(t *testing.T) {
		s := &DeviceState{}
		s.SetOperationMode(OpModeHeat)
		assert.True(t, s.Power)
		assert.Equal(t, OpModeHeat, s.OperationMode)
		assert.Equal(t, FlagPower|FlagOperationMode, s.EffectiveFlags)
	})

	t.Run("swing sets both vanes", func(t *testing.T) {
		s := &DeviceState{}
		s.SetVaneSwing()
		assert.Equal(t, VaneVerticalSwing, s.VaneVertical)
		assert.Equal(t, VaneHorizontalSwing, s.VaneHorizontal)
		assert.Equal(t, FlagVaneVertical|FlagVaneHorizontal, s.EffectiveFlags)
		assert.Equal(t, 0x110, s.EffectiveFlags)
	})

	t.Run("setters accumulate flags", func(t *testing.T) {
		s := &DeviceState{}
		s.SetOperationMode(OpModeAuto)
		s.SetTargetTemperature(22.5)
		s.SetFanSpeedLevel(3)
		assert.Equal(t, FlagPower|FlagOperationMode|FlagTemperature|FlagFanSpeed, s.EffectiveFlags)

		s.ResetEffectiveFlags()
		assert.Zero(t, s.EffectiveFlags)
	})
}

func TestOperationModeRoundTrip(t *testing.T) {
	for _, name := range []string{"heat", "dry", "cool", "fan", "auto"} {
		mode, err := ParseOperationMode(name)
		require.NoError(t, err)
		assert.Equal(t, name, OperationModeString(mode))
	}

	_, err := ParseOperationMode("defrost")
	assert.Error(t, err)
	assert.Equal(t, "unknown", OperationModeString(99))
}

func TestUnknownModeSurvivesRoundTrip(t *testing.T) {
	// Mode codes the bridge never sets itself must pass through a
	// decode/encode cycle unmodified.
	var s DeviceState
	require.NoError(t, json.Unmarshal([]byte(`{"DeviceID":1,"OperationMode":9,"Power":true}`), &s))
	assert.Equal(t, 9, s.OperationMode)

	out, err := json.Marshal(&s)
	require.NoError(t, err)
	var echo map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &echo))
	assert.Equal(t, float64(9), echo["OperationMode"])
}

func TestFlattenDevicesDedup(t *testing.T) {
	buildings := []Building{
		{
			ID: 1,
			Structure: Structure{
				Devices: []Device{{DeviceID: 100}},
				Areas:   []Area{{Devices: []Device{{DeviceID: 100}, {DeviceID: 101}}}},
				Floors: []Floor{
					{
						Devices: []Device{{DeviceID: 102, BuildingID: 5}},
						Areas:   []Area{{Devices: []Device{{DeviceID: 101}}}},
					},
				},
			},
		},
		{
			ID: 2,
			Structure: Structure{
				Devices: []Device{{DeviceID: 200}},
			},
		},
	}

	devices := FlattenDevices(buildings)
	require.Len(t, devices, 4)

	byID := map[int]Device{}
	for _, d := range devices {
		byID[d.DeviceID] = d
	}
	assert.Equal(t, 1, byID[100].BuildingID)
	assert.Equal(t, 1, byID[101].BuildingID)
	assert.Equal(t, 5, byID[102].BuildingID, "an explicit building ID must not be overwritten")
	assert.Equal(t, 2, byID[200].BuildingID)
}

func TestFlattenDevicesEmpty(t *testing.T) {
	assert.Empty(t, FlattenDevices(nil))
	assert.Empty(t, FlattenDevices([]Building{{ID: 1}}))
}

func TestLastCommunicationTime(t *testing.T) {
	s := &DeviceState{LastCommunication: "2026-08-29T10:15:30.123"}
	got, err := s.LastCommunicationTime()
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, 15, got.Minute())

	s.LastCommunication = "garbage"
	_, err = s.LastCommunicationTime()
	assert.Error(t, err)
}
