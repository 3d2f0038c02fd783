// Package daemon runs the top-level loop: periodic update cycles, the
// capped-backoff MQTT reconnection path and graceful shutdown. Losing the
// broker never stops update checks; the loop degrades to transportless
// operation and keeps trying from a clean counter.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/umduru/umdu-haos-updater/internal/config"
	"github.com/umduru/umdu-haos-updater/internal/hassio"
	"github.com/umduru/umdu-haos-updater/internal/mqtt"
	"github.com/umduru/umdu-haos-updater/internal/orchestrator"
)

const (
	defaultInitialDelay   = 5 * time.Second
	defaultReadinessGrace = 2 * time.Second
	defaultBackoffBase    = 5 * time.Second
	defaultBackoffStep    = 5 * time.Second
	defaultBackoffCeiling = 60 * time.Second
	defaultMaxAttempts    = 10

	installDrainPoll = 200 * time.Millisecond
)

// Transport is what the loop needs from the MQTT service.
type Transport interface {
	orchestrator.Transport
	Disconnect()
}

// Coordinator is what the loop needs from the orchestrator.
type Coordinator interface {
	AutoCycleOnce(ctx context.Context)
	PublishState(ctx context.Context)
	SetTransport(t orchestrator.Transport)
	InstallInFlight() bool
}

// Supervisor drives the update cycles and owns MQTT reconnection.
type Supervisor struct {
	cfg   *config.Config
	coord Coordinator

	// newTransport performs one connection attempt and returns a ready-
	// to-use transport. Swapped out by tests.
	newTransport func(ctx context.Context) (Transport, error)

	retry       *linearBackOff
	maxAttempts int

	initialDelay   time.Duration
	readinessGrace time.Duration
	interval       time.Duration
}

// New wires the production supervisor: transports are built from the
// add-on config, falling back to broker credentials provided by the
// Supervisor services API.
func New(cfg *config.Config, coord *orchestrator.Coordinator, api *hassio.Client) *Supervisor {
	entity := mqtt.NewEntityState()
	s := &Supervisor{
		cfg:   cfg,
		coord: coord,
		retry: &linearBackOff{
			base:    defaultBackoffBase,
			step:    defaultBackoffStep,
			ceiling: defaultBackoffCeiling,
		},
		maxAttempts:    defaultMaxAttempts,
		initialDelay:   defaultInitialDelay,
		readinessGrace: defaultReadinessGrace,
		interval:       cfg.CheckInterval(),
	}
	s.newTransport = func(ctx context.Context) (Transport, error) {
		return s.connectTransport(ctx, coord, api, entity)
	}
	return s
}

// Run blocks until ctx is cancelled. An install already in flight is
// never interrupted: shutdown waits for it to finish.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Infof("starting update supervisor: %s", s.cfg)

	var transport Transport
	if s.cfg.MQTT.Discovery {
		// Initial grace so the broker add-on has a chance to come up.
		if err := sleepWithContext(ctx, s.initialDelay); err == nil {
			t, err := s.newTransport(ctx)
			if err != nil {
				log.Warnf("initial MQTT connection failed: %v", err)
			} else {
				transport = t
				s.coord.SetTransport(t)
			}
		}
	} else {
		log.Infof("MQTT discovery disabled, running without transport")
	}
	freshInit := transport != nil

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(transport)
		default:
		}

		s.coord.AutoCycleOnce(ctx)

		if s.cfg.MQTT.Discovery {
			transport, freshInit = s.superviseTransport(ctx, transport, freshInit)
		}

		if err := sleepWithContext(ctx, s.interval); err != nil {
			return s.shutdown(transport)
		}
	}
}

// superviseTransport checks broker readiness once per cycle and walks the
// reconnection path when it is gone.
func (s *Supervisor) superviseTransport(ctx context.Context, transport Transport, freshInit bool) (Transport, bool) {
	if transport != nil && transport.IsReady() {
		s.retry.Reset()
		return transport, false
	}

	if freshInit {
		// The broker handshake lands asynchronously; an immediate
		// readiness check right after construction produces false
		// negatives. Give it one short grace window.
		if err := sleepWithContext(ctx, s.readinessGrace); err != nil {
			return transport, false
		}
		if transport != nil && transport.IsReady() {
			s.retry.Reset()
			return transport, false
		}
	}

	delay := s.retry.NextBackOff()
	log.Infof("mqtt not ready, reconnect attempt %d in %s", s.retry.Attempt(), delay)
	if err := sleepWithContext(ctx, delay); err != nil {
		return transport, false
	}

	t, err := s.newTransport(ctx)
	if err != nil {
		log.Warnf("mqtt reconnect failed: %v", err)
		if s.retry.Attempt() >= s.maxAttempts {
			log.Warnf("mqtt unreachable after %d attempts, continuing without transport", s.maxAttempts)
			s.retry.Reset()
		}
		return transport, false
	}

	s.coord.SetTransport(t)
	s.coord.PublishState(ctx)
	s.retry.Reset()
	return t, true
}

func (s *Supervisor) shutdown(transport Transport) error {
	log.Infof("shutting down")
	if transport != nil {
		transport.Disconnect()
	}
	for s.coord.InstallInFlight() {
		log.Infof("waiting for in-flight install to finish")
		time.Sleep(installDrainPoll)
	}
	log.Infof("update supervisor stopped")
	return nil
}

// connectTransport resolves broker credentials, builds a fresh transport
// and performs one connection attempt.
func (s *Supervisor) connectTransport(ctx context.Context, coord *orchestrator.Coordinator, api *hassio.Client, entity *mqtt.EntityState) (Transport, error) {
	mqttCfg, err := s.resolveBrokerConfig(ctx, api)
	if err != nil {
		return nil, err
	}

	svc := mqtt.NewService(*mqttCfg, entity, func() {
		coord.HandleInstallCommand(context.Background())
	})

	installed, latest := coord.Versions(ctx, "", "")
	svc.SetInitialState(installed, latest)

	if err := svc.Connect(); err != nil {
		return nil, err
	}
	coord.SetTransport(svc)
	return svc, nil
}

// resolveBrokerConfig prefers explicit add-on options; an empty host
// falls back to the credentials the Supervisor publishes for the
// Mosquitto add-on.
func (s *Supervisor) resolveBrokerConfig(ctx context.Context, api *hassio.Client) (*mqtt.Config, error) {
	cfg := &mqtt.Config{
		Host:     s.cfg.MQTT.Host,
		Port:     s.cfg.MQTT.Port,
		Username: s.cfg.MQTT.Username,
		Password: s.cfg.MQTT.Password,
		DataDir:  s.cfg.DataDir,
	}
	if cfg.Host != "" {
		return cfg, nil
	}

	svc, err := api.MQTTServiceInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve broker credentials: %w", err)
	}
	if svc.Host == "" {
		return nil, errors.New("supervisor reported no MQTT broker")
	}
	cfg.Host = svc.Host
	if svc.Port != 0 {
		cfg.Port = svc.Port
	}
	if cfg.Username == "" {
		cfg.Username = svc.Username
		cfg.Password = svc.Password
	}
	return cfg, nil
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	select {
	case <-time.After(duration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
