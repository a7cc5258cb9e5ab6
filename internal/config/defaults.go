package config

import (
	"time"

	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/matcher"
	"github.com/andresmejia3/facewatch/internal/notify"
	"github.com/andresmejia3/facewatch/internal/session"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/worker"
)

const (
	defaultDB                 = "sqlite://~/.facewatch/registry.db"
	defaultListen             = ":8080"
	defaultDetectionThreshold = 0.5
	defaultWorkerTimeout      = 30 * time.Second
	defaultCaptureFPS         = 2.0
)

// Settings is the resolved facewatch configuration.
type Settings struct {
	Threshold          float64
	Period             time.Duration
	DetectionThreshold float64
	WorkerTimeout      time.Duration
	WorkerScript       string
	Dim                int
	DB                 string
	FlushInterval      time.Duration
	Listen             string
	Debug              bool
	Capture            CaptureSettings
	Kafka              KafkaSettings
}

// CaptureSettings configure the live input decoder.
type CaptureSettings struct {
	Format string
	FPS    float64
}

// KafkaSettings enable event publishing when Brokers is non-empty.
type KafkaSettings struct {
	Brokers []string
	Topic   string
}

// NewDefaultSettings returns the single source of truth for default values.
func NewDefaultSettings() Settings {
	return Settings{
		Threshold:          matcher.DefaultThreshold,
		Period:             session.DefaultPeriod,
		DetectionThreshold: defaultDetectionThreshold,
		WorkerTimeout:      defaultWorkerTimeout,
		WorkerScript:       worker.DefaultScript,
		Dim:                embedding.DefaultDim,
		DB:                 defaultDB,
		FlushInterval:      store.DefaultFlushInterval,
		Listen:             defaultListen,
		Capture:            CaptureSettings{FPS: defaultCaptureFPS},
		Kafka:              KafkaSettings{Topic: notify.DefaultKafkaTopic},
	}
}

// Session returns the session controller configuration.
func (s Settings) Session() session.Config {
	return session.Config{Threshold: s.Threshold, Period: s.Period}
}

// Worker returns the embedding worker configuration.
func (s Settings) Worker() worker.Config {
	return worker.Config{
		Script:             s.WorkerScript,
		Dim:                s.Dim,
		DetectionThreshold: s.DetectionThreshold,
		ReadTimeout:        s.WorkerTimeout,
		Debug:              s.Debug,
	}
}
