// Package events defines the message shapes the Job Controller publishes to
// its metrics and log subscribers, one event per job-level or file-level
// state transition rather than per download.
package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/iavault/iavault/internal/types"
)

// ProgressMsg is a metrics-sink tick: the aggregate snapshot plus the
// current scheduler target, published once per second by the Controller.
type ProgressMsg struct {
	JobID    string
	Snapshot types.ProgressSnapshot
}

// FileStartedMsg signals a worker claimed a file and began fetching it.
type FileStartedMsg struct {
	JobID      string
	Item       string
	RemoteName string
	ResumeFrom int64
}

// FileDoneMsg signals a file reached FileDone and was atomically finalized.
type FileDoneMsg struct {
	JobID      string
	Item       string
	RemoteName string
	Bytes      int64
	Elapsed    time.Duration
}

// FileErrorMsg signals a file reached a terminal failure or skip.
type FileErrorMsg struct {
	JobID      string
	Item       string
	RemoteName string
	Kind       types.ErrorKind
	Err        error
}

func (m FileErrorMsg) MarshalJSON() ([]byte, error) {
	type encoded struct {
		JobID      string          `json:"JobID"`
		Item       string          `json:"Item"`
		RemoteName string          `json:"RemoteName"`
		Kind       types.ErrorKind `json:"Kind"`
		Err        string          `json:"Err,omitempty"`
	}
	out := encoded{JobID: m.JobID, Item: m.Item, RemoteName: m.RemoteName, Kind: m.Kind}
	if m.Err != nil {
		out.Err = m.Err.Error()
	}
	return json.Marshal(out)
}

func (m *FileErrorMsg) UnmarshalJSON(data []byte) error {
	var aux struct {
		JobID      string          `json:"JobID"`
		Item       string          `json:"Item"`
		RemoteName string          `json:"RemoteName"`
		Kind       types.ErrorKind `json:"Kind"`
		Err        json.RawMessage `json:"Err"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.JobID, m.Item, m.RemoteName, m.Kind = aux.JobID, aux.Item, aux.RemoteName, aux.Kind
	m.Err = nil
	if len(aux.Err) == 0 {
		return nil
	}

	var errStr string
	if err := json.Unmarshal(aux.Err, &errStr); err == nil {
		if errStr != "" {
			m.Err = errors.New(errStr)
		}
		return nil
	}

	raw := string(aux.Err)
	if raw != "" && raw != "null" {
		m.Err = errors.New(raw)
	}
	return nil
}

// ItemResolvedMsg signals an item finished manifest resolution.
type ItemResolvedMsg struct {
	JobID      string
	Item       string
	FilesFound int
}

// ItemFailedMsg signals an item's manifest resolution exhausted retries.
type ItemFailedMsg struct {
	JobID string
	Item  string
	Err   string
}

// JobStateMsg signals a Job Controller state transition.
type JobStateMsg struct {
	JobID string
	State types.JobState
}

// BackoffTrippedMsg signals the shared Backoff Coordinator was tripped.
type BackoffTrippedMsg struct {
	JobID      string
	Reason     string
	QuietUntil time.Time
}
