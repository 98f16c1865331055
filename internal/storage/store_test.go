package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stzoran1/melcloud-bridge/internal/melcloud"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionRoundTrip(t *testing.T) {
	db := openTestDB(t)

	// A fresh store yields an empty record, not an error.
	rec, err := db.LoadSession()
	require.NoError(t, err)
	assert.Empty(t, rec.ContextKey)
	assert.True(t, rec.Expiry.IsZero())

	expiry := time.Date(2026, 8, 30, 0, 0, 0, 0, time.Local)
	require.NoError(t, db.SaveContextKey("ctx-abc"))
	require.NoError(t, db.SaveExpiry(expiry))
	require.NoError(t, db.SaveUseFahrenheit(true))

	rec, err = db.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "ctx-abc", rec.ContextKey)
	assert.True(t, expiry.Equal(rec.Expiry))
	assert.True(t, rec.UseFahrenheit)

	// Overwrites replace, not accumulate.
	require.NoError(t, db.SaveContextKey("ctx-def"))
	rec, err = db.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "ctx-def", rec.ContextKey)
}

func TestSessionPartialRecord(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveContextKey("ctx-only"))

	rec, err := db.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "ctx-only", rec.ContextKey)
	assert.True(t, rec.Expiry.IsZero(), "a missing expiry must come back zero, forcing a re-login")
}

func TestSessionCorruptExpiry(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveContextKey("ctx-abc"))
	require.NoError(t, db.setSessionValue(sessionKeyExpiry, "not-a-timestamp"))

	// A corrupt expiry must degrade to a zero record, not break startup.
	rec, err := db.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "ctx-abc", rec.ContextKey)
	assert.True(t, rec.Expiry.IsZero())
}

func TestCredentialsRoundTrip(t *testing.T) {
	db := openTestDB(t)

	key, err := LoadOrCreateKey(filepath.Join(t.TempDir(), "key"))
	require.NoError(t, err)

	encrypted, err := key.EncryptString("hunter2")
	require.NoError(t, err)

	require.NoError(t, db.SaveCredentials("user@example.com", encrypted, 0))

	creds, err := db.GetCredentials()
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "user@example.com", creds.Email)

	password, err := key.DecryptString(creds.PasswordEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)

	// Single-account store: saving again replaces the row.
	require.NoError(t, db.SaveCredentials("other@example.com", encrypted, 3))
	creds, err = db.GetCredentials()
	require.NoError(t, err)
	assert.Equal(t, "other@example.com", creds.Email)
	assert.Equal(t, 3, creds.Language)

	require.NoError(t, db.DeleteCredentials())
	creds, err = db.GetCredentials()
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestEncryptionKeyPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")

	k1, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	ct, err := k1.EncryptString("secret")
	require.NoError(t, err)

	// The same key file must decrypt ciphertext from a previous load.
	k2, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	pt, err := k2.DecryptString(ct)
	require.NoError(t, err)
	assert.Equal(t, "secret", pt)

	// Each encryption uses a fresh nonce.
	ct2, err := k1.EncryptString("secret")
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2)

	_, err = k1.Decrypt([]byte("short"))
	assert.Error(t, err)
}

func TestDeviceSnapshotUpsert(t *testing.T) {
	db := openTestDB(t)

	snap := &DeviceSnapshot{
		DeviceID:      7,
		BuildingID:    10,
		Name:          "Hall",
		Power:         true,
		RoomTemp:      22.5,
		SetTemp:       21,
		OperationMode: 3,
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, db.SaveDeviceSnapshot(snap))

	got, err := db.GetDeviceSnapshot(7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Hall", got.Name)
	assert.Equal(t, 22.5, got.RoomTemp)

	snap.SetTemp = 24
	snap.Power = false
	require.NoError(t, db.SaveDeviceSnapshot(snap))

	all, err := db.GetDeviceSnapshots()
	require.NoError(t, err)
	require.Len(t, all, 1, "saving the same device twice must not create a second row")
	assert.Equal(t, 24.0, all[0].SetTemp)
	assert.False(t, all[0].Power)

	missing, err := db.GetDeviceSnapshot(999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEventLogFilterAndPrune(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.LogEvent(EventSourceMELCloud, EventTypeLogin, "logged in", nil))
	require.NoError(t, db.LogEvent(EventSourceWeb, EventTypeControl, "set temperature", map[string]float64{"temp": 21}))
	require.NoError(t, db.LogEvent(EventSourceMELCloud, EventTypePoll, "polled 2 devices", nil))

	all, err := db.GetEventLogs(EventLogFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	src := EventSourceMELCloud
	fromCloud, err := db.GetEventLogs(EventLogFilter{Source: &src})
	require.NoError(t, err)
	assert.Len(t, fromCloud, 2)

	typ := EventTypeControl
	controls, err := db.GetEventLogs(EventLogFilter{EventType: &typ})
	require.NoError(t, err)
	require.Len(t, controls, 1)
	assert.Equal(t, "set temperature", controls[0].Message)
	assert.JSONEq(t, `{"temp":21}`, string(controls[0].Details))

	limited, err := db.GetEventLogs(EventLogFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	pruned, err := db.PruneEventLogs(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	all, err = db.GetEventLogs(EventLogFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestLoginEventRecorded(t *testing.T) {
	db := openTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"LoginData":{"ContextKey":"ctx-key","Expiry":"2999-01-02T00:00:00"}}`)
	}))
	defer server.Close()

	client, err := melcloud.NewClient(melcloud.Config{
		BaseURL:         server.URL,
		Email:           "user@example.com",
		Password:        "hunter2",
		RequestInterval: time.Millisecond,
		RequestBurst:    100,
		OnLogin: func() {
			db.LogEvent(EventSourceMELCloud, EventTypeLogin, "Logged in to MELCloud", nil)
		},
	}, db)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Login(context.Background()))

	typ := EventTypeLogin
	events, err := db.GetEventLogs(EventLogFilter{EventType: &typ})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventSourceMELCloud, events[0].Source)

	// A reused session must not produce a second row.
	require.NoError(t, client.Login(context.Background()))
	events, err = db.GetEventLogs(EventLogFilter{EventType: &typ})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMigrationVersion(t *testing.T) {
	db := openTestDB(t)

	version, err := GetMigrationVersion(db.conn)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}
