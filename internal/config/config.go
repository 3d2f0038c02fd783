package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultPath is where the Home Assistant supervisor mounts the
	// add-on options.
	DefaultPath = "/data/options.json"

	defaultCheckInterval = 24 * time.Hour
	defaultMQTTHost      = "core-mosquitto"
	defaultMQTTPort      = 1883
)

// Channel selects the update metadata feed.
type Channel string

const (
	ChannelStable     Channel = "stable"
	ChannelPrerelease Channel = "prerelease"
)

// MQTT holds the broker settings. An empty Host means "resolve the broker
// credentials through the Supervisor services API at runtime".
type MQTT struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Discovery bool   `json:"discovery"`
}

// Config is the add-on configuration loaded from options.json. Fields not
// present in the file keep their defaults.
type Config struct {
	AutoUpdate          bool    `json:"auto_update"`
	Notifications       bool    `json:"notifications"`
	Debug               bool    `json:"debug"`
	Channel             Channel `json:"channel"`
	UpdateCheckInterval int     `json:"update_check_interval"` // seconds
	MQTT                MQTT    `json:"mqtt"`

	// DataDir holds the persistent add-on state (migration marker,
	// reboot flag). Not part of options.json.
	DataDir string `json:"-"`
	// ShareDir is the bundle store directory. Not part of options.json.
	ShareDir string `json:"-"`
}

func defaults() *Config {
	return &Config{
		AutoUpdate:          false,
		Notifications:       true,
		Debug:               false,
		Channel:             ChannelStable,
		UpdateCheckInterval: int(defaultCheckInterval.Seconds()),
		MQTT: MQTT{
			Host:      "",
			Port:      defaultMQTTPort,
			Discovery: true,
		},
		DataDir:  "/data",
		ShareDir: "/share/umdu-haos-updater",
	}
}

// Load reads the options file on top of the defaults. A missing or
// malformed file yields the defaults: the add-on must come up even when
// the supervisor did not materialize any options yet.
func Load(path string) *Config {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Debugf("options file %s not readable, using defaults: %v", path, err)
		cfg.validate()
		return cfg
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Warnf("options file %s is not valid JSON, using defaults: %v", path, err)
		cfg = defaults()
	}

	cfg.validate()
	return cfg
}

func (c *Config) validate() {
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		log.Warnf("invalid mqtt port %d, falling back to %d", c.MQTT.Port, defaultMQTTPort)
		c.MQTT.Port = defaultMQTTPort
	}
	if c.Channel != ChannelStable && c.Channel != ChannelPrerelease {
		log.Warnf("unknown update channel %q, falling back to %q", c.Channel, ChannelStable)
		c.Channel = ChannelStable
	}
	if c.UpdateCheckInterval <= 0 {
		c.UpdateCheckInterval = int(defaultCheckInterval.Seconds())
	}
}

// CheckInterval returns the update-check interval as a duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.UpdateCheckInterval) * time.Second
}

func (c *Config) String() string {
	return fmt.Sprintf("interval=%s auto_update=%t notifications=%t channel=%s discovery=%t",
		c.CheckInterval(), c.AutoUpdate, c.Notifications, c.Channel, c.MQTT.Discovery)
}
