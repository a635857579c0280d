// Package types holds the entities and configuration shared across the
// download engine: jobs, items, files, and the runtime knobs that size a
// worker pool and HTTP client for a given job.
package types

import "time"

// ItemStatus is the resolution state of one archive item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemResolving ItemStatus = "resolving"
	ItemResolved  ItemStatus = "resolved"
	ItemFailed    ItemStatus = "failed"
)

// FileStatus is the transfer state of one remote file belonging to an item.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileInProgress FileStatus = "in-progress"
	FileDone       FileStatus = "done"
	FileFailed     FileStatus = "failed"
	FileSkipped    FileStatus = "skipped"
)

// ErrorKind classifies why a file attempt did not succeed.
type ErrorKind string

const (
	ErrNone       ErrorKind = ""
	ErrTransient  ErrorKind = "transient-net"
	ErrThrottled  ErrorKind = "throttled"
	ErrOverloaded ErrorKind = "overloaded"
	ErrAuth       ErrorKind = "auth"
	ErrNotFound   ErrorKind = "not-found"
	ErrIntegrity  ErrorKind = "integrity"
	ErrIO         ErrorKind = "io"
	ErrFatal      ErrorKind = "fatal"
)

// JobState is the Job Controller's top-level lifecycle state machine.
type JobState string

const (
	JobIdle        JobState = "idle"
	JobResolving   JobState = "resolving"
	JobDownloading JobState = "downloading"
	JobFinalizing  JobState = "finalizing"
	JobStopped     JobState = "stopped"
)

// FilterConfig controls which manifest files a job keeps, applied in the
// fixed order: anti-clutter, metadata-only, extension whitelist, regex.
type FilterConfig struct {
	MetadataOnly       bool
	ExtensionWhitelist []string // case-insensitive, without leading dot
	NameRegex          string   // matched against the file name
}

// Job is one bulk download session, keyed by a stable id derived from its
// output root. Never destroyed implicitly; an operator deletes the state
// file to forget it.
type Job struct {
	ID              string
	OutputRoot      string
	Filters         FilterConfig
	WorkerCeiling   int
	BandwidthBps    int64 // 0 = unlimited
	DynamicScaling  bool
	Sync            bool // skip existing, verified destinations
	AuthPath        string
	ManifestBaseURL string
	DownloadBaseURL string
	CreatedAt       time.Time
	State           JobState
}

// Item is one archive identifier within a job.
type Item struct {
	ID         int64
	JobID      string
	Identifier string
	Status     ItemStatus
	Error      string
}

// File is one remote file belonging to an item.
type File struct {
	ID         int64
	ItemID     int64
	RemoteName string
	RemoteSize int64  // 0 = unknown
	Digest     string // hex; "" if the archive published none
	DigestAlgo string // "md5", "sha1", ... matching the hex width published
	LocalPath  string
	Downloaded int64
	Status     FileStatus
	Attempts   int
	LastError  ErrorKind
	HTTPStatus int
}

// ManifestFile is what the Manifest Resolver produces for one file before it
// is persisted as a File row.
type ManifestFile struct {
	Name       string
	Size       int64
	Digest     string
	DigestAlgo string
}

// ProgressSnapshot is the aggregate view the Job Controller publishes every
// second and returns from status(output_root).
type ProgressSnapshot struct {
	TotalFiles  int
	Done        int
	Failed      int
	InProgress  int
	Pending     int
	BytesDone   int64
	BytesTotal  int64
	Workers     int
	BytesPerSec float64
	ETASeconds  int64
	QuietUntil  time.Time
}
