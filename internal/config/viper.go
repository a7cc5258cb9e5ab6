// Package config resolves facewatch settings from flags, environment,
// an optional .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/facewatch/internal/matcher"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Viper keys.
const (
	KeyThreshold          = "threshold"
	KeyPeriod             = "period"
	KeyDetectionThreshold = "detection_threshold"
	KeyWorkerTimeout      = "worker_timeout"
	KeyWorkerScript       = "worker_script"
	KeyDim                = "dim"
	KeyDB                 = "db"
	KeyFlushInterval      = "flush_interval"
	KeyListen             = "listen"
	KeyDebug              = "debug"
	KeyCaptureFormat      = "capture.format"
	KeyCaptureFPS         = "capture.fps"
	KeyKafkaBrokers       = "kafka.brokers"
	KeyKafkaTopic         = "kafka.topic"
)

// LoadDotEnv loads .env files into the process environment.
// Missing files are fine; variables already set win.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// InitViper creates a configured *viper.Viper.
//
// Precedence (highest to lowest):
//  1. CLI flags (once bound via BindFlags)
//  2. Environment variables (FACEWATCH_THRESHOLD, FACEWATCH_KAFKA_BROKERS, ...)
//  3. Config file values
//  4. Defaults from NewDefaultSettings()
//
// configFile may be empty, in which case facewatch.{yaml,toml,json} is
// looked up in the working directory and ~/.facewatch.
func InitViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setViperDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("facewatch")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".facewatch"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("FACEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

func setViperDefaults(v *viper.Viper) {
	d := NewDefaultSettings()

	v.SetDefault(KeyThreshold, d.Threshold)
	v.SetDefault(KeyPeriod, d.Period)
	v.SetDefault(KeyDetectionThreshold, d.DetectionThreshold)
	v.SetDefault(KeyWorkerTimeout, d.WorkerTimeout)
	v.SetDefault(KeyWorkerScript, d.WorkerScript)
	v.SetDefault(KeyDim, d.Dim)
	v.SetDefault(KeyDB, d.DB)
	v.SetDefault(KeyFlushInterval, d.FlushInterval)
	v.SetDefault(KeyListen, d.Listen)
	v.SetDefault(KeyDebug, d.Debug)

	v.SetDefault(KeyCaptureFormat, d.Capture.Format)
	v.SetDefault(KeyCaptureFPS, d.Capture.FPS)

	v.SetDefault(KeyKafkaBrokers, d.Kafka.Brokers)
	v.SetDefault(KeyKafkaTopic, d.Kafka.Topic)
}

// Load reads and validates Settings from v.
func Load(v *viper.Viper) (Settings, error) {
	s := Settings{
		Threshold:          v.GetFloat64(KeyThreshold),
		Period:             v.GetDuration(KeyPeriod),
		DetectionThreshold: v.GetFloat64(KeyDetectionThreshold),
		WorkerTimeout:      v.GetDuration(KeyWorkerTimeout),
		WorkerScript:       v.GetString(KeyWorkerScript),
		Dim:                v.GetInt(KeyDim),
		DB:                 v.GetString(KeyDB),
		FlushInterval:      v.GetDuration(KeyFlushInterval),
		Listen:             v.GetString(KeyListen),
		Debug:              v.GetBool(KeyDebug),
		Capture: CaptureSettings{
			Format: v.GetString(KeyCaptureFormat),
			FPS:    v.GetFloat64(KeyCaptureFPS),
		},
		Kafka: KafkaSettings{
			Brokers: splitList(v.GetStringSlice(KeyKafkaBrokers)),
			Topic:   v.GetString(KeyKafkaTopic),
		},
	}
	return s, s.Validate()
}

// Validate checks the values the session cannot run with.
func (s Settings) Validate() error {
	if err := matcher.ValidateThreshold(s.Threshold); err != nil {
		return err
	}
	if s.Period <= 0 {
		return fmt.Errorf("period must be positive, got %s", s.Period)
	}
	if !(s.DetectionThreshold >= 0 && s.DetectionThreshold <= 1) {
		return fmt.Errorf("detection threshold must be within [0, 1], got %v", s.DetectionThreshold)
	}
	if s.Dim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", s.Dim)
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
