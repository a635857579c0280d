package types

import "time"

// Size constants.
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB

	// PartialSuffix is appended to a destination object while it is
	// receiving bytes; never observable as complete.
	PartialSuffix = ".part"
)

// Retry / backoff constants: conservative and configurable, 5 attempts,
// exponential base 2s capped at 60s, quiet period randomized between 30s
// and 60s on a trip.
const (
	DefaultMaxAttempts = 5
	RetryBaseDelay     = 2 * time.Second
	RetryMaxDelay      = 60 * time.Second
	BackoffQuietMin    = 30 * time.Second
	BackoffQuietMax    = 60 * time.Second
)

// Worker scaling constants.
const (
	ScaleUpStreak = 5 // consecutive successes before the worker ceiling grows by one
)

// Checkpoint cadence for bytes-downloaded persistence during a transfer:
// whichever comes first.
const (
	CheckpointBytes    = 4 * MB
	CheckpointInterval = 2 * time.Second
)

// HTTP client tuning: explicit named timeouts rather than relying on
// http.Client defaults.
const (
	DefaultMaxIdleConns          = 100
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultExpectContinueTimeout = 1 * time.Second
	DialTimeout                  = 10 * time.Second
	KeepAliveDuration             = 30 * time.Second
	ManifestTimeout               = 30 * time.Second

	// ReadInactivityTimeout bounds how long a single network read may hang
	// before being classified transient and retried.
	ReadInactivityTimeout = 30 * time.Second

	MaxRedirects = 10
)

// Worker I/O buffer.
const (
	WorkerBufferSize = 512 * KB
)

// RuntimeConfig holds the dynamic settings a job runs with, derived from
// Settings or CLI overrides. Fields default sensibly when the zero value is
// supplied, via the Get* accessors below.
type RuntimeConfig struct {
	UserAgent           string
	ProxyURL            string
	SkipTLSVerification bool
	WorkerBufferSize    int
	MaxAttempts         int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	ManifestBaseURL     string // e.g. "https://archive.org/metadata/"
	DownloadBaseURL     string // e.g. "https://archive.org/download/"
}

// GetUserAgent returns the configured user agent or the default.
func (r *RuntimeConfig) GetUserAgent() string {
	if r == nil || r.UserAgent == "" {
		return "iavault/1.0 (+bulk archive fetcher)"
	}
	return r.UserAgent
}

// GetWorkerBufferSize returns the configured value or the default.
func (r *RuntimeConfig) GetWorkerBufferSize() int {
	if r == nil || r.WorkerBufferSize <= 0 {
		return WorkerBufferSize
	}
	return r.WorkerBufferSize
}

// GetMaxAttempts returns the configured value or the default.
func (r *RuntimeConfig) GetMaxAttempts() int {
	if r == nil || r.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return r.MaxAttempts
}

// GetRetryBaseDelay returns the configured value or the default.
func (r *RuntimeConfig) GetRetryBaseDelay() time.Duration {
	if r == nil || r.RetryBaseDelay <= 0 {
		return RetryBaseDelay
	}
	return r.RetryBaseDelay
}

// GetRetryMaxDelay returns the configured value or the default.
func (r *RuntimeConfig) GetRetryMaxDelay() time.Duration {
	if r == nil || r.RetryMaxDelay <= 0 {
		return RetryMaxDelay
	}
	return r.RetryMaxDelay
}
