// Package config loads formcoach settings from defaults, an optional YAML
// file and environment variables, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultServerURL     = "http://localhost:5000"
	DefaultListenAddr    = ":7940"
	DefaultFrameInterval = 100 * time.Millisecond
	DefaultFrameWidth    = 320
	DefaultFrameHeight   = 240
	DefaultJPEGQuality   = 92
	DefaultQueueSize     = 4

	CameraFFmpeg      = "ffmpeg"
	CameraTestPattern = "testpattern"

	ReconnectNone    = "none"
	ReconnectBackoff = "backoff"
)

type Config struct {
	ServerURL  string          `yaml:"server_url"`
	Namespace  string          `yaml:"namespace"`
	ListenAddr string          `yaml:"listen_addr"`
	CORSOrigin string          `yaml:"cors_origin"`
	AutoStart  bool            `yaml:"autostart"`
	Exercise   ExerciseConfig  `yaml:"exercise"`
	Camera     CameraConfig    `yaml:"camera"`
	Frame      FrameConfig     `yaml:"frame"`
	Reconnect  ReconnectConfig `yaml:"reconnect"`
	MQTT       MQTTConfig      `yaml:"mqtt"`
}

type ExerciseConfig struct {
	Name string `yaml:"name"`
	Icon string `yaml:"icon"`
}

type CameraConfig struct {
	Kind         string        `yaml:"kind"`
	Device       string        `yaml:"device"`
	InputFormat  string        `yaml:"input_format"`
	FFmpegPath   string        `yaml:"ffmpeg_path"`
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	FrameRate    int           `yaml:"frame_rate"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

type FrameConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Width     int           `yaml:"width"`
	Height    int           `yaml:"height"`
	Quality   int           `yaml:"quality"`
	QueueSize int           `yaml:"queue_size"`
}

type ReconnectConfig struct {
	Strategy   string        `yaml:"strategy"`
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	MaxRetries int           `yaml:"max_retries"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

func Default() Config {
	return Config{
		ServerURL:  DefaultServerURL,
		ListenAddr: DefaultListenAddr,
		Exercise:   ExerciseConfig{Name: "Squats", Icon: "🏋️"},
		Camera: CameraConfig{
			Kind:         CameraFFmpeg,
			Device:       "/dev/video0",
			InputFormat:  "v4l2",
			FFmpegPath:   "ffmpeg",
			Width:        640,
			Height:       480,
			FrameRate:    30,
			StartTimeout: 5 * time.Second,
		},
		Frame: FrameConfig{
			Interval:  DefaultFrameInterval,
			Width:     DefaultFrameWidth,
			Height:    DefaultFrameHeight,
			Quality:   DefaultJPEGQuality,
			QueueSize: DefaultQueueSize,
		},
		Reconnect: ReconnectConfig{
			Strategy: ReconnectNone,
			Initial:  time.Second,
			Max:      30 * time.Second,
		},
		MQTT: MQTTConfig{
			Topic:    "formcoach",
			ClientID: "formcoach",
		},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("FORMCOACH_SERVER_URL", &cfg.ServerURL)
	str("FORMCOACH_NAMESPACE", &cfg.Namespace)
	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("CORS_ORIGIN", &cfg.CORSOrigin)
	boolean("FORMCOACH_AUTOSTART", &cfg.AutoStart)
	str("FORMCOACH_EXERCISE", &cfg.Exercise.Name)
	str("FORMCOACH_EXERCISE_ICON", &cfg.Exercise.Icon)

	str("FORMCOACH_CAMERA", &cfg.Camera.Kind)
	str("FORMCOACH_DEVICE", &cfg.Camera.Device)
	str("FORMCOACH_INPUT_FORMAT", &cfg.Camera.InputFormat)
	str("FORMCOACH_FFMPEG", &cfg.Camera.FFmpegPath)
	integer("FORMCOACH_CAMERA_WIDTH", &cfg.Camera.Width)
	integer("FORMCOACH_CAMERA_HEIGHT", &cfg.Camera.Height)
	integer("FORMCOACH_CAMERA_FPS", &cfg.Camera.FrameRate)

	duration("FORMCOACH_FRAME_INTERVAL", &cfg.Frame.Interval)
	integer("FORMCOACH_FRAME_WIDTH", &cfg.Frame.Width)
	integer("FORMCOACH_FRAME_HEIGHT", &cfg.Frame.Height)
	integer("FORMCOACH_JPEG_QUALITY", &cfg.Frame.Quality)
	integer("FORMCOACH_QUEUE_SIZE", &cfg.Frame.QueueSize)

	str("FORMCOACH_RECONNECT", &cfg.Reconnect.Strategy)
	duration("FORMCOACH_RECONNECT_INITIAL", &cfg.Reconnect.Initial)
	duration("FORMCOACH_RECONNECT_MAX", &cfg.Reconnect.Max)
	integer("FORMCOACH_RECONNECT_RETRIES", &cfg.Reconnect.MaxRetries)

	str("FORMCOACH_MQTT_BROKER", &cfg.MQTT.Broker)
	str("FORMCOACH_MQTT_TOPIC", &cfg.MQTT.Topic)
	str("FORMCOACH_MQTT_CLIENT_ID", &cfg.MQTT.ClientID)

	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if err := validateServerURL(c.ServerURL); err != nil {
		errs = append(errs, err)
	}
	if c.Namespace != "" && !strings.HasPrefix(c.Namespace, "/") {
		errs = append(errs, fmt.Errorf("namespace must start with /"))
	}
	switch c.Camera.Kind {
	case CameraFFmpeg, CameraTestPattern:
	default:
		errs = append(errs, fmt.Errorf("unknown camera kind %q", c.Camera.Kind))
	}
	if c.Frame.Interval <= 0 {
		errs = append(errs, fmt.Errorf("frame interval must be positive"))
	}
	if c.Frame.Width <= 0 || c.Frame.Height <= 0 {
		errs = append(errs, fmt.Errorf("frame size must be positive"))
	}
	if c.Frame.Quality < 1 || c.Frame.Quality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality must be between 1 and 100"))
	}
	if c.Frame.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue size must be at least 1"))
	}
	switch c.Reconnect.Strategy {
	case ReconnectNone:
	case ReconnectBackoff:
		if c.Reconnect.Initial <= 0 {
			errs = append(errs, fmt.Errorf("reconnect initial delay must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown reconnect strategy %q", c.Reconnect.Strategy))
	}
	if c.MQTT.Enabled() && c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos must be 0, 1 or 2"))
	}
	return errors.Join(errs...)
}

// validateServerURL checks that a URL is usable as the analysis backend address.
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("server URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server URL must use http, https, ws or wss scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("server URL must have a host")
	}
	return nil
}
