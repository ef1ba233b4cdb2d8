// Package config loads and saves the badgerlink TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const (
	SchemaVersion = 1
	AppName       = "badgerlink"
	CfgFile       = "config.toml"
	CfgEnv        = "BADGERLINK_CFG"
)

// Values is the on-disk configuration.
type Values struct {
	Device       Device `toml:"device"`
	Image        Image  `toml:"image"`
	Server       Server `toml:"server"`
	MQTT         MQTT   `toml:"mqtt"`
	LogFile      string `toml:"log_file,omitempty"`
	ConfigSchema int    `toml:"config_schema"`
	DebugLogging bool   `toml:"debug_logging"`
}

// Device selects the badge and its serial timeouts.
type Device struct {
	Product           string `toml:"product" validate:"required"`
	VendorID          string `toml:"vendor_id,omitempty" validate:"omitempty,hexadecimal,len=4"`
	Port              string `toml:"port,omitempty"`
	OpenTimeout       string `toml:"open_timeout,omitempty" validate:"duration"`
	PermissionTimeout string `toml:"permission_timeout,omitempty" validate:"duration"`
	BaudRate          int    `toml:"baud_rate" validate:"gte=0"`
	AcceptAny         bool   `toml:"accept_any"`
	DebugCommand      bool   `toml:"debug_command"`
}

// Image holds the default conversion settings.
type Image struct {
	Threshold int  `toml:"threshold" validate:"gte=0,lte=255"`
	Dither    bool `toml:"dither"`
}

// Server configures the HTTP transform server.
type Server struct {
	Listen       string  `toml:"listen" validate:"required,hostname_port"`
	MaxBodyBytes int64   `toml:"max_body_bytes" validate:"gt=0"`
	PreviewRate  float64 `toml:"preview_rate" validate:"gte=0"`
	PreviewBurst int     `toml:"preview_burst" validate:"gte=0"`
}

// MQTT configures the broker bridge.
type MQTT struct {
	Broker   string `toml:"broker,omitempty" validate:"omitempty,url"`
	Topic    string `toml:"topic,omitempty" validate:"required_with=Broker"`
	ClientID string `toml:"client_id,omitempty"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
}

// OpenTimeoutDuration returns the parsed open timeout, zero when unset.
func (d Device) OpenTimeoutDuration() time.Duration {
	return parseDuration(d.OpenTimeout)
}

// PermissionTimeoutDuration returns the parsed permission timeout, zero when unset.
func (d Device) PermissionTimeoutDuration() time.Duration {
	return parseDuration(d.PermissionTimeout)
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

var BaseDefaults = Values{
	ConfigSchema: SchemaVersion,
	Device: Device{
		Product:           "Badger 2040",
		VendorID:          "2e8a",
		BaudRate:          115200,
		OpenTimeout:       "300ms",
		PermissionTimeout: "60s",
	},
	Image: Image{
		Threshold: 128,
		Dither:    true,
	},
	Server: Server{
		Listen:       "127.0.0.1:8040",
		MaxBodyBytes: 8 << 20,
		PreviewRate:  1,
		PreviewBurst: 2,
	},
	MQTT: MQTT{
		Topic:    "badgerlink/image",
		ClientID: AppName,
	},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", validateDuration)
	return v
}

func validateDuration(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if val == "" {
		return true
	}
	d, err := time.ParseDuration(val)
	return err == nil && d >= 0
}

// DefaultDir is the per-user config directory.
func DefaultDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Instance is a loaded configuration file guarded for concurrent access.
type Instance struct {
	cfgPath  string
	vals     Values
	defaults Values
	mu       sync.RWMutex
}

// NewConfig loads the config file, writing defaults first if it does not
// exist. An explicit path wins over CfgEnv, which wins over configDir.
func NewConfig(path, configDir string, defaults Values) (*Instance, error) {
	cfgPath := path
	if cfgPath == "" {
		cfgPath = os.Getenv(CfgEnv)
		log.Debug().Msgf("env config path: %s", cfgPath)
	}
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir, CfgFile)
	}

	cfg := &Instance{
		cfgPath:  cfgPath,
		vals:     defaults,
		defaults: defaults,
	}

	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", cfgPath).Msg("saving new default config to disk")

		if err := os.MkdirAll(filepath.Dir(cfgPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the configuration file location.
func (c *Instance) Path() string {
	return c.cfgPath
}

// Load rereads the file over the defaults and validates it.
func (c *Instance) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Fields missing from the file keep their defaults.
	newVals := c.defaults
	if err := toml.Unmarshal(data, &newVals); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if newVals.ConfigSchema != SchemaVersion {
		log.Error().Msgf(
			"schema version mismatch: got %d, expecting %d",
			newVals.ConfigSchema,
			SchemaVersion,
		)
		return errors.New("schema version mismatch")
	}

	if err := validate.Struct(newVals); err != nil {
		return fmt.Errorf("invalid config %s: %w", c.cfgPath, err)
	}

	c.vals = newVals
	return nil
}

// Save writes the current values to the file.
func (c *Instance) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.vals.ConfigSchema = SchemaVersion

	data, err := toml.Marshal(&c.vals)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Values returns a copy of the current values.
func (c *Instance) Values() Values {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals
}

// DebugLogging reports whether debug logging is enabled.
func (c *Instance) DebugLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DebugLogging
}

// SetDebugLogging toggles debug logging.
func (c *Instance) SetDebugLogging(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.DebugLogging = enabled
}

// LogFile returns the rotating log file path, if any.
func (c *Instance) LogFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.LogFile
}

// Device returns the badge settings.
func (c *Instance) Device() Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Device
}

// Image returns the conversion settings.
func (c *Instance) Image() Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Image
}

// Server returns the HTTP server settings.
func (c *Instance) Server() Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Server
}

// MQTT returns the broker settings.
func (c *Instance) MQTT() MQTT {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.MQTT
}
