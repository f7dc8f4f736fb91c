package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PetoAdam/homenavi/edge-console/internal/agent"
	"github.com/PetoAdam/homenavi/edge-console/internal/camera"
	"github.com/PetoAdam/homenavi/edge-console/internal/config"
	"github.com/PetoAdam/homenavi/edge-console/internal/console"
	"github.com/PetoAdam/homenavi/edge-console/internal/mqtt"
	"github.com/PetoAdam/homenavi/edge-console/internal/onwire"
	"github.com/PetoAdam/homenavi/edge-console/internal/ota"
	"github.com/PetoAdam/homenavi/edge-console/internal/store"
)

// session is a live connection to one camera with its message pump running.
type session struct {
	cfg     config.Config
	client  *mqtt.Client
	state   *camera.State
	repo    *store.Repo
	rdb     *redis.Client
	console *console.Console

	stop context.CancelFunc
	done chan struct{}
}

func openSession(ctx context.Context, cfg config.Config, events console.Publisher) (*session, error) {
	dialect, err := cfg.Dialect()
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, done: make(chan struct{})}
	opts := []camera.Option{camera.WithDialect(dialect)}

	if cfg.HistoryPath != "" {
		db, err := store.OpenSQLite(cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		if s.repo, err = store.New(db); err != nil {
			return nil, fmt.Errorf("migrate history: %w", err)
		}
	}

	var cache *store.StateCache
	if cfg.Redis.Addr != "" {
		s.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unavailable, device config cache disabled", "addr", cfg.Redis.Addr, "error", err)
			_ = s.rdb.Close()
			s.rdb = nil
		} else {
			cache = store.NewStateCache(s.rdb, cfg.DeviceID)
			opts = append(opts, camera.WithCache(cache))
		}
	}

	s.client, err = mqtt.Connect(cfg.BrokerURL(), cfg.MQTT.ClientID)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	s.state = camera.New(s.client, opts...)
	if cache != nil {
		if last, err := cache.LoadDeviceConfig(ctx); err != nil {
			slog.Warn("cached device config unreadable", "error", err)
		} else if last != nil {
			s.state.DeviceConfig.Set(last)
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	s.stop = stop
	orch := ota.NewOrchestrator(s.state.Agent(), s.state.DeviceConfig, cfg.WebserverHost(), cfg.Webserver.Port)
	orch.UndeployTimeout = cfg.OTA.UndeployTimeout
	orch.DeployTimeout = cfg.OTA.DeployTimeout
	orch.FirmwareTimeout = cfg.OTA.FirmwareTimeout
	s.console = console.New(runCtx, s.state, orch, s.repo, events, console.Options{
		DeviceID:      cfg.DeviceID,
		DeployTimeout: cfg.DeployTimeout,
		ServePort:     cfg.Webserver.Port,
	})

	go func() {
		defer close(s.done)
		if err := s.state.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("device session stopped", "error", err)
		}
	}()
	return s, nil
}

// dialect waits for the device to announce its protocol, falling back to the
// configured one.
func (s *session) dialect(ctx context.Context) (onwire.Dialect, error) {
	d, err := s.state.WaitDialect(ctx, s.cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	slog.Debug("using dialect", "dialect", d.Name())
	return d, nil
}

func (s *session) close() {
	s.stop()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
	}
	s.client.Close()
	s.closeStores()
}

func (s *session) closeStores() {
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
}

// connectAgent is for one-shot commands that only publish: no message pump,
// the dialect comes from the device if it answers in time.
func connectAgent(ctx context.Context, cfg config.Config) (*agent.Agent, *mqtt.Client, error) {
	configured, err := cfg.Dialect()
	if err != nil {
		return nil, nil, err
	}
	client, err := mqtt.Connect(cfg.BrokerURL(), cfg.MQTT.ClientID)
	if err != nil {
		return nil, nil, fmt.Errorf("mqtt connect: %w", err)
	}

	probe := agent.New(client, nil)
	if err := probe.Handshake(ctx, cfg.HandshakeTimeout); err != nil {
		client.Close()
		return nil, nil, err
	}
	d, err := probe.DetectDialect(ctx, cfg.HandshakeTimeout)
	switch {
	case err == nil:
	case errors.Is(err, onwire.ErrUnknownDialect):
		slog.Debug("device did not announce its protocol, using configured dialect", "dialect", configured.Name())
		d = configured
	default:
		client.Close()
		return nil, nil, err
	}
	return agent.New(client, agent.Static(d)), client, nil
}
