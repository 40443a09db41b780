package config

import "time"

// Queue holds the durable task queue settings.
type Queue struct {
	Path string `envconfig:"QUEUE_DB_PATH" validate:"required"`
}

// Remote describes the central server the uploader drains against.
type Remote struct {
	BaseURL        string        `envconfig:"REMOTE_BASE_URL" validate:"required,url"`
	DeviceSecret   string        `envconfig:"REMOTE_DEVICE_SECRET" validate:"required"`
	RequestTimeout time.Duration `envconfig:"REMOTE_REQUEST_TIMEOUT" default:"30s"`
	RetryAttempts  int           `envconfig:"REMOTE_RETRY_ATTEMPTS" default:"3"`
	RetryBackoff   time.Duration `envconfig:"REMOTE_RETRY_BACKOFF" default:"1s"`
}

// Uploader ...
type Uploader struct {
	PollInterval time.Duration `envconfig:"UPLOADER_POLL_INTERVAL" default:"2s"`
	BackoffBase  time.Duration `envconfig:"UPLOADER_BACKOFF_BASE" default:"1s"`
	BackoffMax   time.Duration `envconfig:"UPLOADER_BACKOFF_MAX" default:"60s"`
}

// Storage holds the media directory limits enforced by the guardian.
type Storage struct {
	MediaRoot     string        `envconfig:"STORAGE_MEDIA_ROOT" validate:"required"`
	MaxBytes      int64         `envconfig:"STORAGE_MAX_BYTES" default:"2147483648"`
	MaxFileAge    time.Duration `envconfig:"STORAGE_MAX_FILE_AGE" default:"168h"`
	SweepInterval time.Duration `envconfig:"STORAGE_SWEEP_INTERVAL" default:"10m"`
}

// Metrics ...
type Metrics struct {
	Port      string `envconfig:"METRICS_PORT" default:"9090"`
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"edge"`
	Subsystem string `envconfig:"METRICS_SUBSYSTEM" default:"station"`
}

type System struct {
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"300s"`
	ReadBufferSize int           `envconfig:"READ_BUFFER_SIZE" default:"16384"`
}

type Config struct {
	Queue    Queue
	Remote   Remote
	Uploader Uploader
	Storage  Storage
	Metrics  Metrics
	System   System
}
