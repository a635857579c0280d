// Package fetch implements the File Fetcher: the protocol that downloads
// one file with byte-range resume, streaming digest computation, atomic
// finalization, and per-error classification. One Fetcher call handles one
// whole file; the concurrency unit above it (internal/scheduler) runs many
// Fetch calls in parallel, one worker per file rather than splitting a
// single file into byte-range chunks across workers.
package fetch

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vfaronov/httpheader"

	"github.com/iavault/iavault/internal/auth"
	"github.com/iavault/iavault/internal/backoff"
	"github.com/iavault/iavault/internal/ratelimit"
	"github.com/iavault/iavault/internal/store"
	"github.com/iavault/iavault/internal/types"
	"github.com/iavault/iavault/internal/utils"
)

// Fetcher downloads files for one job, sharing a Rate Governor, Backoff
// Coordinator, and State Store across every worker that calls Fetch.
type Fetcher struct {
	Client      *http.Client
	Store       *store.Store
	Governor    *ratelimit.Governor
	Backoff     *backoff.Coordinator
	Creds       *auth.Credentials
	MaxAttempts int
	Sync        bool
	UserAgent   string

	// OnTrip, if set, is called every time this Fetcher trips the shared
	// Backoff Coordinator, regardless of whether the attempt being retried
	// goes on to succeed. The scheduler's dynamic scaling policy and the
	// event log both hang off this, since a trip costs a scale-down the
	// moment it happens rather than when the file's retry finally resolves.
	OnTrip func(reason backoff.Reason, quietUntil time.Time)
}

// Task names the remote object and the already-claimed File row describing
// its local destination and known metadata.
type Task struct {
	RemoteURL string
	Item      string // owning item identifier, for logging only
	File      types.File
}

// Fetch runs the full eight-step protocol for one file. It returns nil both
// when the file completes successfully and when another worker already
// holds the claim (step 1: "if already claimed, return without work").
func (f *Fetcher) Fetch(ctx context.Context, task Task) error {
	claimed, err := f.Store.ClaimFile(ctx, task.File.ID)
	if err != nil {
		return fmt.Errorf("fetch: claim %s: %w", task.File.RemoteName, err)
	}
	if !claimed {
		return nil
	}

	file := task.File
	partialPath := file.LocalPath + types.PartialSuffix

	// Step 2: preflight sync check.
	if f.Sync && f.destinationVerified(file) {
		return f.finalizeAlreadyComplete(ctx, file)
	}

	attempts := file.Attempts
	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = types.DefaultMaxAttempts
	}
	attachedCreds := false

	for attempts < maxAttempts {
		attempts++

		outcome, err := f.attempt(ctx, task.RemoteURL, &file, partialPath, attachedCreds)
		if err == nil {
			return nil // finalized inside attempt
		}

		switch outcome {
		case types.ErrNotFound:
			return f.terminal(ctx, file.ID, attempts, types.ErrNotFound, http.StatusNotFound)
		case types.ErrAuth:
			if f.Creds != nil && !attachedCreds {
				attachedCreds = true
				attempts-- // the retry-with-credentials doesn't count against the ceiling
				continue
			}
			return f.terminal(ctx, file.ID, attempts, types.ErrAuth, http.StatusUnauthorized)
		case types.ErrThrottled:
			if f.Backoff != nil {
				f.notifyTrip(backoff.ReasonThrottled, f.Backoff.Trip(backoff.ReasonThrottled))
			}
		case types.ErrOverloaded:
			if f.Backoff != nil {
				f.notifyTrip(backoff.ReasonOverloaded, f.Backoff.Trip(backoff.ReasonOverloaded))
			}
		case types.ErrIO:
			return f.terminal(ctx, file.ID, attempts, types.ErrIO, 0)
		case types.ErrTransient, types.ErrIntegrity:
			// retry within the ceiling
		default:
			return f.terminal(ctx, file.ID, attempts, types.ErrFatal, 0)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		utils.Debug("fetch: %s attempt %d/%d failed (%s)", task.File.RemoteName, attempts, maxAttempts, outcome)
	}

	return f.terminal(ctx, file.ID, attempts, types.ErrTransient, 0)
}

// tripBackoffFromRetryAfter honors an archive-specified cooldown over the
// Coordinator's default jittered one, when the response actually names one.
func (f *Fetcher) tripBackoffFromRetryAfter(resp *http.Response) {
	if f.Backoff == nil {
		return
	}
	if until, ok := httpheader.RetryAfter(resp.Header); ok {
		f.Backoff.TripUntil(until)
	}
}

// notifyTrip reports a trip to the caller's scaling policy and event log.
// It does not itself trip the Coordinator; callers pass the deadline the
// trip already produced.
func (f *Fetcher) notifyTrip(reason backoff.Reason, quietUntil time.Time) {
	if f.OnTrip != nil {
		f.OnTrip(reason, quietUntil)
	}
}

// destinationVerified checks whether the final object already exists with
// matching size and (if published) matching digest.
func (f *Fetcher) destinationVerified(file types.File) bool {
	info, err := os.Stat(file.LocalPath)
	if err != nil {
		return false
	}
	if file.RemoteSize > 0 && info.Size() != file.RemoteSize {
		return false
	}
	if file.Digest == "" {
		return true
	}
	h := newDigest(file.DigestAlgo)
	if h == nil {
		return true
	}
	if err := rehashExisting(file.LocalPath, h); err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hexDigest(h)), []byte(file.Digest)) == 1
}

func (f *Fetcher) finalizeAlreadyComplete(ctx context.Context, file types.File) error {
	return f.Store.ReleaseFile(ctx, file.ID, store.Outcome{
		Status:     types.FileDone,
		Downloaded: file.RemoteSize,
		Attempts:   file.Attempts,
		LastError:  types.ErrNone,
	})
}

func (f *Fetcher) terminal(ctx context.Context, fileID int64, attempts int, kind types.ErrorKind, httpStatus int) error {
	status := types.FileFailed
	if kind == types.ErrNotFound {
		status = types.FileSkipped
	}
	if relErr := f.Store.ReleaseFile(ctx, fileID, store.Outcome{
		Status:     status,
		Attempts:   attempts,
		LastError:  kind,
		HTTPStatus: httpStatus,
	}); relErr != nil {
		return relErr
	}
	return fmt.Errorf("fetch: file %d terminal: %s", fileID, kind)
}

// attempt performs steps 3 through 7 once: resume probe, backoff wait,
// ranged request, streaming body, and finalize. A nil error means the file
// reached FileDone and the store was already updated.
func (f *Fetcher) attempt(ctx context.Context, remoteURL string, file *types.File, partialPath string, attachCreds bool) (types.ErrorKind, error) {
	// Step 3: resume probe.
	var resumeFrom int64
	if info, err := os.Stat(partialPath); err == nil {
		resumeFrom = info.Size()
		if file.RemoteSize > 0 && resumeFrom >= file.RemoteSize {
			if f.verifyAndFinalize(ctx, file, partialPath) == nil {
				return types.ErrNone, nil
			}
			// Digest mismatch despite matching length: discard and restart.
			os.Remove(partialPath)
			resumeFrom = 0
		}
	}

	// Step 4: backoff wait.
	if f.Backoff != nil {
		if err := f.Backoff.Wait(ctx); err != nil {
			return types.ErrTransient, err
		}
	}

	// Step 5: request.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return types.ErrFatal, err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}
	if attachCreds {
		f.Creds.Apply(req)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return types.ErrTransient, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the range (or none was sent): restart from zero.
		if resumeFrom > 0 {
			os.Remove(partialPath)
			resumeFrom = 0
		}
	case http.StatusPartialContent:
		// Honored range; confirm the server actually resumed where we asked.
		if cr, ok := httpheader.ContentRange(resp.Header); ok && cr.Start != resumeFrom {
			utils.Debug("fetch: %s requested resume at %d but server returned range starting at %d", file.RemoteName, resumeFrom, cr.Start)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		os.Remove(partialPath)
		return types.ErrIntegrity, fmt.Errorf("fetch: range not satisfiable for %s", file.RemoteName)
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.ErrAuth, fmt.Errorf("fetch: auth failed for %s", file.RemoteName)
	case http.StatusNotFound:
		return types.ErrNotFound, fmt.Errorf("fetch: %s not found", file.RemoteName)
	case http.StatusTooManyRequests:
		f.tripBackoffFromRetryAfter(resp)
		return types.ErrThrottled, fmt.Errorf("fetch: %s throttled", file.RemoteName)
	case http.StatusServiceUnavailable:
		f.tripBackoffFromRetryAfter(resp)
		return types.ErrOverloaded, fmt.Errorf("fetch: %s overloaded", file.RemoteName)
	default:
		if resp.StatusCode >= 500 {
			return types.ErrTransient, fmt.Errorf("fetch: %s status %d", file.RemoteName, resp.StatusCode)
		}
		return types.ErrFatal, fmt.Errorf("fetch: %s unexpected status %d", file.RemoteName, resp.StatusCode)
	}

	// Step 6: stream.
	if err := os.MkdirAll(filepath.Dir(partialPath), 0o755); err != nil {
		return types.ErrIO, err
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partialPath, flags, 0o644)
	if err != nil {
		return types.ErrIO, err
	}

	digest := newDigest(file.DigestAlgo)
	if resumeFrom > 0 {
		if err := rehashExisting(partialPath, digest); err != nil {
			out.Close()
			return types.ErrIO, err
		}
	}

	written := resumeFrom
	lastCheckpoint := written
	lastCheckpointAt := time.Now()
	buf := make([]byte, types.WorkerBufferSize)

	for {
		select {
		case <-ctx.Done():
			out.Close()
			return types.ErrTransient, ctx.Err()
		default:
		}

		nr, readErr := resp.Body.Read(buf)
		if nr > 0 {
			if f.Governor != nil {
				if err := f.Governor.Consume(ctx, nr); err != nil {
					out.Close()
					return types.ErrTransient, err
				}
			}
			if digest != nil {
				digest.Write(buf[:nr])
			}
			nw, writeErr := out.Write(buf[:nr])
			if writeErr != nil {
				out.Close()
				return types.ErrIO, fmt.Errorf("fetch: write %s: %w", file.RemoteName, writeErr)
			}
			if nw != nr {
				out.Close()
				return types.ErrIO, io.ErrShortWrite
			}
			written += int64(nr)

			if written-lastCheckpoint >= types.CheckpointBytes || time.Since(lastCheckpointAt) >= types.CheckpointInterval {
				if err := f.Store.ReleaseFile(ctx, file.ID, store.Outcome{
					Status:     types.FileInProgress,
					Downloaded: written,
					Attempts:   file.Attempts,
				}); err != nil {
					utils.Debug("fetch: checkpoint persist failed for %s: %v", file.RemoteName, err)
				}
				lastCheckpoint = written
				lastCheckpointAt = time.Now()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			out.Close()
			return types.ErrTransient, fmt.Errorf("fetch: read %s: %w", file.RemoteName, readErr)
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return types.ErrIO, err
	}
	if err := out.Close(); err != nil {
		return types.ErrIO, err
	}

	file.Downloaded = written
	if digest != nil && file.Digest != "" && hexDigest(digest) != file.Digest {
		// Full body received but the streaming digest didn't verify.
		os.Remove(partialPath)
		return types.ErrIntegrity, fmt.Errorf("fetch: digest mismatch for %s", file.RemoteName)
	}

	// Step 7: finalize.
	return types.ErrNone, f.verifyAndFinalize(ctx, file, partialPath)
}

// verifyAndFinalize compares observed size/digest against the manifest's
// expected values and, on a match, atomically renames the partial to its
// final destination.
func (f *Fetcher) verifyAndFinalize(ctx context.Context, file *types.File, partialPath string) error {
	info, err := os.Stat(partialPath)
	if err != nil {
		return fmt.Errorf("fetch: stat partial %s: %w", partialPath, err)
	}
	if file.RemoteSize > 0 && info.Size() != file.RemoteSize {
		return fmt.Errorf("fetch: size mismatch for %s: have %d want %d", file.RemoteName, info.Size(), file.RemoteSize)
	}
	if file.Digest != "" {
		h := newDigest(file.DigestAlgo)
		if h != nil {
			if err := rehashExisting(partialPath, h); err != nil {
				return err
			}
			if hexDigest(h) != file.Digest {
				return fmt.Errorf("fetch: digest mismatch for %s", file.RemoteName)
			}
		}
	}

	logSniffedType(file.RemoteName, partialPath)

	if err := os.Rename(partialPath, file.LocalPath); err != nil {
		if copyErr := copyFile(partialPath, file.LocalPath); copyErr != nil {
			return fmt.Errorf("fetch: finalize %s: %w", file.RemoteName, copyErr)
		}
		os.Remove(partialPath)
	}

	return f.Store.ReleaseFile(ctx, file.ID, store.Outcome{
		Status:     types.FileDone,
		Downloaded: info.Size(),
		Attempts:   file.Attempts,
	})
}

// copyFile is the cross-device fallback when rename fails.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, types.WorkerBufferSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return err
	}
	return out.Sync()
}
