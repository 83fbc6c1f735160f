package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the facewatch configuration.
type Config struct {
	Env         string            `yaml:"env"`
	DataDir     string            `yaml:"data_dir"`
	ModelsDir   string            `yaml:"models_dir"`
	Logging     LoggingConfig     `yaml:"logging"`
	Camera      CameraConfig      `yaml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Params      Params            `yaml:"params"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	HTTP        HTTPConfig        `yaml:"http"`
	Database    DatabaseConfig    `yaml:"database"`
	Worker      WorkerConfig      `yaml:"worker"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// CameraConfig describes the ffmpeg frame source.
type CameraConfig struct {
	Input  string `yaml:"input"`  // device, RTSP url or file
	Format string `yaml:"format"` // optional ffmpeg -f demuxer, e.g. v4l2
	FPS    int    `yaml:"fps"`
}

// RecognitionConfig holds the frame pipeline tuning.
type RecognitionConfig struct {
	ProcessEvery int           `yaml:"process_every"` // fully process every Nth frame
	ClearEvery   int           `yaml:"clear_every"`   // clear results after no faces on every Mth frame
	HistorySize  int           `yaml:"history_size"`
	CropSamples  bool          `yaml:"crop_samples"`
	ResetSettle  time.Duration `yaml:"reset_settle"`
	KnownNames   []string      `yaml:"known_names"`
}

// ClassifierConfig selects the classifier family used by training.
type ClassifierConfig struct {
	Kind  string  `yaml:"kind"`  // centroid, knn
	Scale float64 `yaml:"scale"` // softmax temperature for centroid
	K     int     `yaml:"k"`     // neighbours for knn
}

// MQTTConfig holds broker settings for publishing and parameter pushes.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // host:port, empty disables MQTT
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
}

// HTTPConfig holds the ops server settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// DatabaseConfig holds the optional Postgres mirror.
type DatabaseConfig struct {
	URL string `yaml:"url"` // empty disables the mirror
}

// WorkerConfig describes the embedding worker process.
type WorkerConfig struct {
	Python  string        `yaml:"python"`
	Script  string        `yaml:"script"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads the YAML file at path. A missing path yields defaults only.
func Load(path string) (Config, error) {
	cfg := Config{Params: DefaultParams()}
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		data = expandEnvVars(data)
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv lets FACEWATCH_* variables override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("FACEWATCH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FACEWATCH_MODELS_DIR"); v != "" {
		c.ModelsDir = v
	}
	if v := os.Getenv("FACEWATCH_CAMERA"); v != "" {
		c.Camera.Input = v
	}
	if v := os.Getenv("FACEWATCH_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("FACEWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FACEWATCH_ENV"); v != "" {
		c.Env = v
	}
	if c.Database.URL == "" {
		c.Database.URL = postgresURLFromEnv()
	}
}

// postgresURLFromEnv builds a connection string from the POSTGRES_* variables.
func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.DataDir = filepath.Join(home, ".facewatch", "data", "faces")
	}
	if c.ModelsDir == "" {
		c.ModelsDir = "models"
	}
	if c.Camera.Input == "" {
		c.Camera.Input = "/dev/video0"
	}
	if c.Camera.FPS <= 0 {
		c.Camera.FPS = 30
	}
	if c.Recognition.ProcessEvery <= 0 {
		c.Recognition.ProcessEvery = 30
	}
	if c.Recognition.ClearEvery <= 0 {
		c.Recognition.ClearEvery = 150
	}
	if c.Recognition.HistorySize <= 0 {
		c.Recognition.HistorySize = 10
	}
	if c.Recognition.ResetSettle <= 0 {
		c.Recognition.ResetSettle = 200 * time.Millisecond
	}
	if c.Classifier.Kind == "" {
		c.Classifier.Kind = "centroid"
	}
	if c.Classifier.Scale <= 0 {
		c.Classifier.Scale = 10
	}
	if c.Classifier.K <= 0 {
		c.Classifier.K = 5
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "facewatch"
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = "facewatch"
	}
	if c.Worker.Python == "" {
		c.Worker.Python = "python3"
	}
	if c.Worker.Script == "" {
		c.Worker.Script = "python/worker.py"
	}
	if c.Worker.Timeout <= 0 {
		c.Worker.Timeout = 10 * time.Second
	}
	if c.Params.MaxFaceCount <= 0 {
		c.Params.MaxFaceCount = DefaultMaxFaceCount
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	var errs []error
	switch c.Env {
	case "prod", "dev", "local":
	default:
		errs = append(errs, fmt.Errorf("env must be prod, dev or local, got %q", c.Env))
	}
	switch c.Classifier.Kind {
	case "centroid", "knn":
	default:
		errs = append(errs, fmt.Errorf("classifier.kind must be \"centroid\" or \"knn\", got %q", c.Classifier.Kind))
	}
	if c.Params.ConfidenceThreshold < 0 || c.Params.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("params.confidence_threshold must be within [0,1], got %v", c.Params.ConfidenceThreshold))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
