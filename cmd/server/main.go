package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stzoran1/melcloud-bridge/internal/config"
	"github.com/stzoran1/melcloud-bridge/internal/log"
	"github.com/stzoran1/melcloud-bridge/internal/melcloud"
	"github.com/stzoran1/melcloud-bridge/internal/storage"
	"github.com/stzoran1/melcloud-bridge/internal/web"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	jsonLogs := flag.Bool("json-logs", false, "Emit logs as JSON")
	flag.Parse()

	if *debug {
		log.SetDefaultLevel(log.LevelDebug)
	}
	if *jsonLogs {
		log.SetDefaultJSONMode(true)
	}

	log.Info("Starting MELCloud Bridge")

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Error("Failed to load config: %v", err)
			os.Exit(1)
		}
		// Seed a config file on first run so the defaults are editable.
		if _, err := os.Stat(*configPath); os.IsNotExist(err) {
			if err := cfg.Save(*configPath); err != nil {
				log.Warn("Failed to write default config: %v", err)
			} else {
				log.Info("Wrote default config to %s", *configPath)
			}
		}
	} else {
		cfg, _ = config.Load("")
	}

	if err := cfg.EnsureDataDir(); err != nil {
		log.Error("Failed to create data directory: %v", err)
		os.Exit(1)
	}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		log.Error("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	log.Info("Database initialized at %s", cfg.DatabasePath())
	db.LogEvent(storage.EventSourceSystem, storage.EventTypeInfo, "Bridge started", nil)

	encKey, err := storage.LoadOrCreateKey(cfg.EncryptionKeyPath)
	if err != nil {
		log.Error("Failed to load encryption key: %v", err)
		os.Exit(1)
	}

	client, err := melcloud.NewClient(melcloud.Config{
		BaseURL:  cfg.BaseURL,
		Email:    cfg.Username,
		Password: cfg.Password,
		Language: cfg.Language,
		CacheTTL: time.Duration(cfg.CacheTTL) * time.Second,
		Timeout:  time.Duration(cfg.HTTPTimeout) * time.Second,
		OnLogin: func() {
			db.LogEvent(storage.EventSourceMELCloud, storage.EventTypeLogin,
				"Logged in to MELCloud", nil)
		},
	}, db)
	if err != nil {
		log.Error("Failed to create MELCloud client: %v", err)
		os.Exit(1)
	}
	defer client.Close()

	// Stored credentials win over config file values when the config
	// carries none.
	if !client.HasCredentials() {
		creds, err := db.GetCredentials()
		if err != nil {
			log.Error("Failed to load credentials: %v", err)
			os.Exit(1)
		}
		if creds != nil {
			password, err := encKey.DecryptString(creds.PasswordEncrypted)
			if err != nil {
				log.Warn("Failed to decrypt stored password: %v", err)
			} else {
				client.SetCredentials(creds.Email, password)
				log.Info("Loaded stored credentials for %s", creds.Email)
			}
		}
	}

	svc := &Service{
		cfg:    cfg,
		db:     db,
		encKey: encKey,
		client: client,
	}

	webServer := web.NewServer(cfg.ServerPort, svc)
	svc.web = webServer

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	go svc.runPollingLoop(ctx)

	log.Info("Starting web server on port %d", cfg.ServerPort)
	if err := webServer.Run(ctx); err != nil {
		log.Error("Web server error: %v", err)
	}

	log.Info("Shutdown complete")
}

// Service orchestrates the bridge components
type Service struct {
	cfg    *config.Config
	db     *storage.DB
	encKey *storage.EncryptionKey
	client *melcloud.Client
	web    *web.Server
}

// GetDB returns the database
func (s *Service) GetDB() *storage.DB {
	return s.db
}

// GetEncryptionKey returns the encryption key
func (s *Service) GetEncryptionKey() *storage.EncryptionKey {
	return s.encKey
}

// GetClient returns the MELCloud client
func (s *Service) GetClient() *melcloud.Client {
	return s.client
}

// GetConfig returns the configuration
func (s *Service) GetConfig() *config.Config {
	return s.cfg
}

// runPollingLoop refreshes device state at regular intervals
func (s *Service) runPollingLoop(ctx context.Context) {
	log.Info("Starting polling loop (interval: %d seconds)", s.cfg.PollInterval)

	s.poll(ctx)

	ticker := time.NewTicker(time.Duration(s.cfg.PollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll fetches every device's state, persists the snapshots and pushes
// them to WebSocket clients.
func (s *Service) poll(ctx context.Context) {
	if !s.client.HasCredentials() {
		log.Debug("No credentials configured, skipping poll")
		return
	}

	devices, err := s.client.Devices(ctx)
	if err != nil {
		log.Error("Failed to list devices: %v", err)
		s.db.LogEvent(storage.EventSourceMELCloud, storage.EventTypeError,
			fmt.Sprintf("Poll failed: %v", err), nil)
		return
	}

	for _, device := range devices {
		state, err := s.client.GetDevice(ctx, device.DeviceID, device.BuildingID)
		if err != nil {
			log.Error("Failed to get device %d: %v", device.DeviceID, err)
			continue
		}

		snap := &storage.DeviceSnapshot{
			DeviceID:       state.DeviceID,
			BuildingID:     state.BuildingID,
			Name:           device.DeviceName,
			SerialNumber:   device.SerialNumber,
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
		if err := s.db.SaveDeviceSnapshot(snap); err != nil {
			log.Error("Failed to save device snapshot: %v", err)
		}

		s.web.BroadcastDeviceUpdate(snap)
	}

	s.db.LogEvent(storage.EventSourceMELCloud, storage.EventTypePoll,
		fmt.Sprintf("Polled %d devices", len(devices)), nil)
	log.Debug("Polled %d devices", len(devices))
}
