package melcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validStore returns a store pre-seeded with a session that is still
// valid today, so device calls skip the login exchange.
func validStore(key string) *fakeStore {
	return &fakeStore{record: SessionRecord{
		ContextKey: key,
		Expiry:     tomorrowMidnight(),
	}}
}

const listDevicesJSON = `[
	{
		"ID": 10,
		"Name": "Home",
		"Structure": {
			"Devices": [{"DeviceID": 1, "DeviceName": "Hall"}],
			"Areas": [{"ID": 1, "Devices": [{"DeviceID": 2, "DeviceName": "Kitchen"}]}],
			"Floors": [
				{
					"ID": 2,
					"Devices": [{"DeviceID": 3, "DeviceName": "Bedroom"}],
					"Areas": [{"ID": 3, "Devices": [{"DeviceID": 1, "DeviceName": "Hall"}]}]
				}
			]
		}
	}
]`

func TestListDevices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, listDevicesPath, r.URL.Path)
		assert.Equal(t, "ctx-key", r.Header.Get("X-MitsContextKey"))
		fmt.Fprint(w, listDevicesJSON)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, validStore("ctx-key"))

	buildings, err := client.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, buildings, 1)
	assert.Equal(t, 10, buildings[0].ID)
	assert.Equal(t, "Home", buildings[0].Name)
}

func TestDevicesFlattened(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listDevicesJSON)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, validStore("ctx-key"))

	devices, err := client.Devices(context.Background())
	require.NoError(t, err)

	// Device 1 appears twice in the tree but must come back once.
	require.Len(t, devices, 3)
	for _, d := range devices {
		assert.Equal(t, 10, d.BuildingID, "building ID must be inherited during the walk")
	}
	ids := map[int]bool{}
	for _, d := range devices {
		ids[d.DeviceID] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, ids)
}

func TestListDevicesEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `null`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, validStore("ctx-key"))

	_, err := client.ListDevices(context.Background())
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "empty response", perr.Reason)
}

func TestGetDevice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, getDevicePath, r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("id"))
		assert.Equal(t, "10", r.URL.Query().Get("BuildingID"))
		assert.Equal(t, "ctx-key", r.Header.Get("X-MitsContextKey"))
		fmt.Fprint(w, `{"DeviceID": 7, "Power": true, "RoomTemperature": 22.5, "SetTemperature": 21, "OperationMode": 3}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, validStore("ctx-key"))

	state, err := client.GetDevice(context.Background(), 7, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, state.DeviceID)
	assert.Equal(t, 10, state.BuildingID, "building ID must be restored when the remote omits it")
	assert.True(t, state.Power)
	assert.Equal(t, 22.5, state.RoomTemperature)
	assert.Equal(t, OpModeCool, state.OperationMode)
}

func TestGetDeviceHTMLBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<!DOCTYPE html><html><body>Maintenance</body></html>`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, validStore("ctx-key"))

	_, err := client.GetDevice(context.Background(), 7, 10)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "HTML")
}

func TestGetDeviceGarbageBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json at all")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, validStore("ctx-key"))

	_, err := client.GetDevice(context.Background(), 7, 10)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
}

func TestSetDeviceData(t *testing.T) {
	var posted DeviceState
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, setDevicePath, r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "ctx-key", r.Header.Get("X-MitsContextKey"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		fmt.Fprint(w, `{"DeviceID": 7, "Power": true, "SetTemperature": 23, "EffectiveFlags": 5}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, validStore("ctx-key"))

	state := &DeviceState{DeviceID: 7, BuildingID: 10, Power: true, OperationMode: OpModeHeat}
	state.SetTargetTemperature(23)

	updated, err := client.SetDeviceData(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, FlagTemperature, posted.EffectiveFlags)
	assert.True(t, posted.HasPendingCommand, "a patch must carry the pending-command marker")
	assert.Equal(t, 23.0, posted.SetTemperature)

	assert.Equal(t, 7, updated.DeviceID)
	assert.Equal(t, 23.0, updated.SetTemperature)
	assert.Equal(t, 10, updated.BuildingID)
}

func TestSetDeviceDataRequiresFlags(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, validStore("ctx-key"))

	_, err := client.SetDeviceData(context.Background(), &DeviceState{DeviceID: 7})
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "a zero-flag patch must be rejected before the network")
}

func TestSetDeviceDataFlushesCache(t *testing.T) {
	var gets int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case getDevicePath:
			atomic.AddInt32(&gets, 1)
			fmt.Fprint(w, `{"DeviceID": 7, "Power": false}`)
		case setDevicePath:
			fmt.Fprint(w, `{"DeviceID": 7, "Power": true, "EffectiveFlags": 1}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, validStore("ctx-key"))
	ctx := context.Background()

	_, err := client.GetDevice(ctx, 7, 10)
	require.NoError(t, err)
	_, err = client.GetDevice(ctx, 7, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&gets), "repeated read must come from the cache")

	state := &DeviceState{DeviceID: 7, BuildingID: 10, OperationMode: OpModeHeat}
	state.SetOperationMode(OpModeHeat)
	_, err = client.SetDeviceData(ctx, state)
	require.NoError(t, err)

	_, err = client.GetDevice(ctx, 7, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&gets), "a successful write must flush cached reads")
}

func TestUpdateOptions(t *testing.T) {
	var posted map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, updateOptionsPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		fmt.Fprint(w, `{"Success": true}`)
	}))
	defer server.Close()

	store := validStore("ctx-key")
	client := newTestClient(t, server.URL, store)

	require.NoError(t, client.UpdateOptions(context.Background(), true))

	assert.Equal(t, true, posted["UseFahrenheit"])
	assert.Equal(t, float64(1), posted["EmailCommsErrors"])
	assert.Equal(t, float64(1), posted["EmailUnitErrors"])
	assert.Equal(t, float64(4), posted["Fred"])
	assert.Equal(t, false, posted["EmailOnCommsError"])
	assert.Equal(t, "", posted["AlternateEmailAddress"])

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.True(t, store.record.UseFahrenheit, "the preference must be persisted after a successful update")
	assert.Equal(t, 1, store.prefSaves)
}

func TestUseFahrenheit(t *testing.T) {
	client := newTestClient(t, "http://unused", validStore("ctx-key"))
	assert.False(t, client.UseFahrenheit())
}
