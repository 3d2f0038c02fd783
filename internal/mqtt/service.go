// Package mqtt owns the broker connection for the update entity: the
// connect/disconnect state machine, Home Assistant discovery, the
// availability contract (including the broker-side last will) and the
// command subscription. It exposes exactly one logical device with one
// schema.
package mqtt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// CommandTopic receives "install" and "clear" commands from the hub.
	CommandTopic = "umdu/haos_updater/cmd"
	// StateTopic carries the live update state, not retained.
	StateTopic = "umdu/haos_updater/state"
	// AvailabilityTopic carries online/offline, retained.
	AvailabilityTopic = "umdu/haos_updater/availability"
	// DiscoveryTopic carries the retained Home Assistant entity config.
	DiscoveryTopic = "homeassistant/update/umdu_haos_k1/config"

	payloadInstall = "install"
	payloadClear   = "clear"

	qosAtLeastOnce byte = 1

	// migrationMarker is the one-shot sentinel: once the stale retained
	// discovery config of the previous schema has been cleared, the
	// marker suppresses the step for good.
	migrationMarker = ".discovery_v2_migrated"

	connectTimeout    = 10 * time.Second
	defaultAckTimeout = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// newClient builds the underlying paho client; tests swap it for a fake.
var newClient = paho.NewClient

// ConnState is the transport connection state. It is owned by the
// service and mutated only inside the paho callbacks under the mutex.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// UpdateState is the wire payload of the state topic.
type UpdateState struct {
	InstalledVersion string `json:"installed_version"`
	LatestVersion    string `json:"latest_version"`
	InProgress       bool   `json:"in_progress"`
}

// EntityState is the process-wide activity flag of the update entity. It
// flips to inactive exactly once, after a successful install, and stays
// inactive until the appliance reboots: the freshly installed OS must not
// be advertised as updatable again by this process.
type EntityState struct {
	mu     sync.Mutex
	active bool
}

// NewEntityState returns an active entity flag.
func NewEntityState() *EntityState {
	return &EntityState{active: true}
}

// Active reports whether the update entity is still advertised.
func (e *EntityState) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Deactivate retires the entity for the rest of the process lifetime.
func (e *EntityState) Deactivate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = false
}

// Config carries the broker settings for one transport instance.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// DataDir holds the discovery migration marker.
	DataDir string
}

// Service is the MQTT transport. Reconnection is owned by the supervisor
// loop, which builds a fresh Service per attempt; paho auto-reconnect is
// therefore disabled.
type Service struct {
	client     paho.Client
	entity     *EntityState
	onInstall  func()
	markerPath string
	ackTimeout time.Duration

	mu           sync.Mutex
	state        ConnState
	initialState *UpdateState
}

// NewService builds a transport for the given broker. onInstall is
// invoked for every "install" command, off the network thread; it must be
// non-nil.
func NewService(cfg Config, entity *EntityState, onInstall func()) *Service {
	s := &Service{
		entity:     entity,
		onInstall:  onInstall,
		markerPath: filepath.Join(cfg.DataDir, migrationMarker),
		ackTimeout: defaultAckTimeout,
		state:      StateDisconnected,
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID("umdu-haos-updater-" + uuid.NewString()[:8]).
		SetKeepAlive(60 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetWill(AvailabilityTopic, "offline", qosAtLeastOnce, true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	s.client = newClient(opts)
	return s
}

// SetInitialState sets the version pair published (retained) right after
// a successful handshake, so a hub restarting concurrently still finds
// the current state.
func (s *Service) SetInitialState(installed, latest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialState = &UpdateState{InstalledVersion: installed, LatestVersion: latest}
}

// Connect performs one connection attempt. The transition to Connected
// happens inside the on-connect callback once the broker acknowledges the
// handshake, not here.
func (s *Service) Connect() error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	log.Infof("mqtt: connecting")
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		s.markDisconnected()
		return fmt.Errorf("mqtt connect: timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		s.markDisconnected()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Disconnect publishes offline availability and closes the connection.
// Used on shutdown; all failures are swallowed.
func (s *Service) Disconnect() {
	if s.IsReady() {
		s.publish(AvailabilityTopic, "offline", true)
	}
	s.markDisconnected()
	s.client.Disconnect(disconnectQuiesce)
	log.Infof("mqtt: disconnected")
}

// IsReady reports whether publishes will go out: the update entity is
// still active and the broker handshake completed. Every public publish
// method is a no-op when this is false.
func (s *Service) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entity.Active() && s.state == StateConnected
}

// PublishState publishes the live update state, at-least-once and not
// retained, waiting for the broker ack within a bounded window. Errors
// are logged and returned for observability but never carry any further
// obligation for the caller.
func (s *Service) PublishState(st UpdateState) error {
	if !s.IsReady() {
		return nil
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.publishAcked(StateTopic, string(payload), false)
}

// PublishAvailability publishes the retained online/offline flag.
func (s *Service) PublishAvailability(online bool) {
	if !s.IsReady() {
		return
	}
	payload := "offline"
	if online {
		payload = "online"
	}
	s.publish(AvailabilityTopic, payload, true)
}

// DeactivateUpdateEntity retires the update entity after a successful
// install: offline availability goes out first (while the readiness check
// still passes), then the entity flag flips for the rest of the process
// lifetime.
func (s *Service) DeactivateUpdateEntity() {
	s.PublishAvailability(false)
	s.entity.Deactivate()
	log.Infof("mqtt: update entity deactivated until reboot")
}

func (s *Service) onConnect(client paho.Client) {
	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	log.Infof("mqtt: connected")

	token := client.Subscribe(CommandTopic, qosAtLeastOnce, s.onMessage)
	if !token.WaitTimeout(s.ackTimeout) || token.Error() != nil {
		log.Warnf("mqtt: command subscription failed: %v", token.Error())
	}

	s.migrateDiscoverySchema()

	if !s.entity.Active() {
		return
	}
	s.publishDiscovery()
	s.publish(AvailabilityTopic, "online", true)

	s.mu.Lock()
	initial := s.initialState
	s.mu.Unlock()
	if initial != nil {
		payload, err := json.Marshal(initial)
		if err == nil {
			s.publish(StateTopic, string(payload), true)
		}
	}
}

// onConnectionLost handles both clean and unclean disconnects. The
// offline availability publish is attempted before the connected flag
// flips: once the flag is down the readiness check would short-circuit
// the publish.
func (s *Service) onConnectionLost(_ paho.Client, err error) {
	if s.IsReady() {
		s.publish(AvailabilityTopic, "offline", true)
	}
	s.markDisconnected()
	log.Warnf("mqtt: connection lost: %v", err)
}

func (s *Service) onMessage(_ paho.Client, msg paho.Message) {
	payload := strings.TrimSpace(string(msg.Payload()))
	log.Debugf("mqtt: message on %s: %s", msg.Topic(), payload)

	switch payload {
	case payloadInstall:
		log.Infof("mqtt: received install command")
		// The install takes minutes; it must never run on the paho
		// network thread.
		go s.onInstall()
	case payloadClear:
		if !s.connected() {
			return
		}
		log.Infof("mqtt: received clear command, resetting retained state")
		s.clearRetained()
		s.publishDiscovery()
	default:
		log.Debugf("mqtt: ignoring unknown command %q", payload)
	}
}

// migrateDiscoverySchema clears the stale retained discovery config left
// behind by the previous entity schema. Runs at most once per appliance:
// the marker file makes the step idempotent across restarts.
func (s *Service) migrateDiscoverySchema() {
	if _, err := os.Stat(s.markerPath); err == nil {
		return
	}
	log.Infof("mqtt: clearing legacy retained discovery config")
	s.publish(DiscoveryTopic, "", true)
	if err := os.WriteFile(s.markerPath, []byte("v2\n"), 0o644); err != nil {
		log.Warnf("mqtt: could not write migration marker: %v", err)
	}
}

func (s *Service) publishDiscovery() {
	if !s.entity.Active() {
		return
	}
	cfg := map[string]string{
		"name":               "Home Assistant OS for UMDU K1",
		"unique_id":          "umdu_haos_k1_os",
		"state_topic":        StateTopic,
		"command_topic":      CommandTopic,
		"payload_install":    payloadInstall,
		"availability_topic": AvailabilityTopic,
		"device_class":       "firmware",
		"platform":           "update",
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		log.Errorf("mqtt: marshal discovery config: %v", err)
		return
	}
	s.publish(DiscoveryTopic, string(payload), true)
}

// clearRetained wipes the retained state and availability topics. The
// discovery config is left alone: Home Assistant needs it to keep the
// entity registered.
func (s *Service) clearRetained() {
	for _, topic := range []string{StateTopic, AvailabilityTopic} {
		s.publish(topic, "", true)
	}
}

// publish is the fire-and-forget variant used for retained bookkeeping
// topics; failures are logged and swallowed.
func (s *Service) publish(topic, payload string, retained bool) {
	if err := s.publishAcked(topic, payload, retained); err != nil {
		log.Warnf("mqtt: publish %s failed: %v", topic, err)
	}
}

// publishAcked publishes at-least-once and waits for the broker ack
// within the ack timeout, so a nil return means "durably queued", not
// merely "attempted".
func (s *Service) publishAcked(topic, payload string, retained bool) error {
	if len(payload) > 120 {
		log.Debugf("mqtt: publish %s %s...", topic, payload[:120])
	} else {
		log.Debugf("mqtt: publish %s %s", topic, payload)
	}
	token := s.client.Publish(topic, qosAtLeastOnce, retained, payload)
	if !token.WaitTimeout(s.ackTimeout) {
		return fmt.Errorf("publish %s: no ack within %s", topic, s.ackTimeout)
	}
	return token.Error()
}

func (s *Service) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

func (s *Service) markDisconnected() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Service) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
