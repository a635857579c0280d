// Package job implements the Job Controller: the top-level state machine
// that sequences manifest resolution then fetching, owns start/resume/stop
// lifecycle, and publishes metrics every second.
package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iavault/iavault/internal/auth"
	"github.com/iavault/iavault/internal/backoff"
	"github.com/iavault/iavault/internal/events"
	"github.com/iavault/iavault/internal/fetch"
	"github.com/iavault/iavault/internal/httpclient"
	"github.com/iavault/iavault/internal/inputlist"
	"github.com/iavault/iavault/internal/manifest"
	"github.com/iavault/iavault/internal/ratelimit"
	"github.com/iavault/iavault/internal/scheduler"
	"github.com/iavault/iavault/internal/store"
	"github.com/iavault/iavault/internal/types"
	"github.com/iavault/iavault/internal/utils"
)

const stateFileName = "state.db"

// Config is the engine's external configuration contract: every field a
// CLI or UI collaborator may set when starting a job.
type Config struct {
	ItemsPath           string
	OutputRoot          string
	WorkerCeiling       int
	BandwidthCeilingBps int64
	Sync                bool
	Dynamic             bool
	MetadataOnly        bool
	NameRegex           string
	ExtensionWhitelist  []string
	AuthPath            string
	ManifestBaseURL     string
	DownloadBaseURL     string
	ProxyURL            string
	SkipTLSVerification bool
}

// Overrides carries the subset of Config a resume may adjust without
// re-running resolution for already-resolved items.
type Overrides struct {
	WorkerCeiling       int
	BandwidthCeilingBps int64
	Dynamic             bool
	ProxyURL            string
	SkipTLSVerification bool
}

// Controller runs one job's full lifecycle: idle -> resolving ->
// downloading -> finalizing -> stopped.
type Controller struct {
	store    *store.Store
	job      types.Job
	resolver *manifest.Resolver
	fetcher  *fetch.Fetcher
	pool     *scheduler.Pool
	governor *ratelimit.Governor
	backoff  *backoff.Coordinator

	downloadBaseURL string

	// runID correlates every debug-log line emitted by this process's
	// lifetime with one start/resume invocation, since a job's durable id
	// (the output root) is shared across every process that has ever run it.
	runID string

	mu          sync.Mutex
	subscribers []chan any
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// JobIDFromRoot derives the stable job id from an output directory path.
func JobIDFromRoot(outputRoot string) string {
	abs, err := filepath.Abs(outputRoot)
	if err != nil {
		return filepath.Clean(outputRoot)
	}
	return abs
}

// StateDBPath returns the path to a job's state store, for callers (like a
// standalone status command) that need to open it without going through
// Start or Resume.
func StateDBPath(outputRoot string) string {
	return filepath.Join(outputRoot, stateFileName)
}

// Start persists a new job and begins resolving + downloading.
func Start(ctx context.Context, cfg Config) (*Controller, error) {
	job := types.Job{
		ID:         JobIDFromRoot(cfg.OutputRoot),
		OutputRoot: cfg.OutputRoot,
		Filters: types.FilterConfig{
			MetadataOnly:       cfg.MetadataOnly,
			ExtensionWhitelist: cfg.ExtensionWhitelist,
			NameRegex:          cfg.NameRegex,
		},
		WorkerCeiling:   clampCeiling(cfg.WorkerCeiling),
		BandwidthBps:    cfg.BandwidthCeilingBps,
		DynamicScaling:  cfg.Dynamic,
		Sync:            cfg.Sync,
		AuthPath:        cfg.AuthPath,
		ManifestBaseURL: cfg.ManifestBaseURL,
		DownloadBaseURL: cfg.DownloadBaseURL,
		CreatedAt:       time.Now(),
		State:           types.JobResolving,
	}

	c, err := newController(job, cfg.ManifestBaseURL, cfg.DownloadBaseURL, cfg.ProxyURL, cfg.SkipTLSVerification)
	if err != nil {
		return nil, err
	}

	if err := c.store.UpsertJob(ctx, &job); err != nil {
		c.store.Close()
		return nil, err
	}
	c.job = job

	ids, err := inputlist.Read(cfg.ItemsPath)
	if err != nil {
		c.store.Close()
		return nil, fmt.Errorf("job: read items: %w", err)
	}
	for _, id := range ids {
		if _, err := c.store.UpsertItem(ctx, c.job.ID, id); err != nil {
			c.store.Close()
			return nil, fmt.Errorf("job: register item %s: %w", id, err)
		}
	}

	c.run(ctx)
	return c, nil
}

// Resume loads a persisted job, reclaims stale in-progress files as
// pending, and continues resolving any unresolved items alongside
// downloading.
func Resume(ctx context.Context, outputRoot string, overrides Overrides) (*Controller, error) {
	id := JobIDFromRoot(outputRoot)
	path := filepath.Join(outputRoot, stateFileName)

	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("job: open state store: %w", err)
	}

	job, err := st.LoadJob(ctx, id)
	if err != nil {
		st.Close()
		return nil, err
	}
	if job == nil {
		st.Close()
		return nil, fmt.Errorf("job: no persisted job at %s", outputRoot)
	}

	if overrides.WorkerCeiling > 0 {
		job.WorkerCeiling = clampCeiling(overrides.WorkerCeiling)
	}
	if overrides.BandwidthCeilingBps > 0 {
		job.BandwidthBps = overrides.BandwidthCeilingBps
	}
	job.DynamicScaling = overrides.Dynamic || job.DynamicScaling
	job.State = types.JobResolving

	c := &Controller{store: st, job: *job}
	c.wireComponents(job.ManifestBaseURL, job.DownloadBaseURL, overrides.ProxyURL, overrides.SkipTLSVerification)

	if _, err := st.ReclaimInProgress(ctx, job.ID); err != nil {
		st.Close()
		return nil, fmt.Errorf("job: reclaim in-progress files: %w", err)
	}
	if err := st.UpsertJob(ctx, job); err != nil {
		st.Close()
		return nil, err
	}

	c.run(ctx)
	return c, nil
}

func newController(job types.Job, manifestBaseURL, downloadBaseURL, proxyURL string, skipTLS bool) (*Controller, error) {
	path := filepath.Join(job.OutputRoot, stateFileName)
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("job: open state store: %w", err)
	}
	c := &Controller{store: st, job: job}
	c.wireComponents(manifestBaseURL, downloadBaseURL, proxyURL, skipTLS)
	return c, nil
}

func (c *Controller) wireComponents(manifestBaseURL, downloadBaseURL, proxyURL string, skipTLS bool) {
	c.runID = uuid.NewString()
	utils.Debug("job: run %s starting for %s", c.runID, c.job.ID)

	rc := &types.RuntimeConfig{ProxyURL: proxyURL, SkipTLSVerification: skipTLS}
	client := httpclient.New(rc)

	var creds *auth.Credentials
	if c.job.AuthPath != "" {
		if parsed, err := auth.ParseFile(c.job.AuthPath); err == nil {
			creds = parsed
		} else {
			utils.Debug("job: failed to parse credentials at %s: %v", c.job.AuthPath, err)
		}
	}

	c.governor = ratelimit.New(c.job.BandwidthBps)
	c.backoff = backoff.New()
	c.downloadBaseURL = downloadBaseURL
	c.resolver = manifest.New(client, manifestBaseURL, creds, c.backoff, types.DefaultMaxAttempts)
	c.fetcher = &fetch.Fetcher{
		Client:      client,
		Store:       c.store,
		Governor:    c.governor,
		Backoff:     c.backoff,
		Creds:       creds,
		MaxAttempts: types.DefaultMaxAttempts,
		Sync:        c.job.Sync,
		UserAgent:   rc.GetUserAgent(),
		OnTrip:      c.onBackoffTrip,
	}
}

// onBackoffTrip applies the pool's scale-down for a trip and publishes it to
// subscribers, independent of whether the file being retried when the trip
// happened eventually succeeds.
func (c *Controller) onBackoffTrip(reason backoff.Reason, quietUntil time.Time) {
	if c.pool != nil {
		c.pool.ReportTrip()
	}
	c.publish(events.BackoffTrippedMsg{JobID: c.job.ID, Reason: string(reason), QuietUntil: quietUntil})
}

func clampCeiling(w int) int {
	if w < 1 {
		return 1
	}
	if w > 64 {
		return 64
	}
	return w
}

// Subscribe returns a channel receiving every published event. The channel
// is closed when the job is stopped.
func (c *Controller) Subscribe() <-chan any {
	ch := make(chan any, 64)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

func (c *Controller) publish(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- msg:
		default:
			// A slow subscriber drops events rather than stalling the job.
		}
	}
}

// Status returns the current aggregate snapshot.
func (c *Controller) Status(ctx context.Context) (types.ProgressSnapshot, error) {
	snap, err := c.store.ProgressSnapshot(ctx, c.job.ID)
	if err != nil {
		return types.ProgressSnapshot{}, err
	}
	if c.pool != nil {
		snap.Workers = c.pool.ActiveWorkers()
	}
	snap.QuietUntil = c.backoff.QuietUntil()
	return snap, nil
}

// Stop cancels the job-wide context, waits for every worker and the
// resolver to drain, and persists the stopped state.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	ctx := context.Background()
	c.job.State = types.JobStopped
	if err := c.store.UpsertJob(ctx, &c.job); err != nil {
		c.store.Close()
		return err
	}
	c.publish(events.JobStateMsg{JobID: c.job.ID, State: types.JobStopped})

	c.mu.Lock()
	for _, ch := range c.subscribers {
		close(ch)
	}
	c.subscribers = nil
	c.mu.Unlock()

	return c.store.Close()
}

// run starts the Resolver producer, the Worker Pool, and the metrics
// publisher, all scoped to one cancellable job context.
func (c *Controller) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel

	c.pool = scheduler.New(c.job.WorkerCeiling, c.job.DynamicScaling, c.fetchOne, c.onResult)

	var producers sync.WaitGroup
	producers.Add(2)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer producers.Done()
		c.seedPendingFiles(ctx)
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer producers.Done()
		c.resolveItems(ctx)
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		producers.Wait()
		c.pool.CloseQueue()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pool.Run(ctx)
		c.job.State = types.JobFinalizing
		c.store.UpsertJob(ctx, &c.job)
		c.publish(events.JobStateMsg{JobID: c.job.ID, State: types.JobFinalizing})
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.publishMetrics(ctx)
	}()
}

// seedPendingFiles enqueues files left pending from a previous run (e.g.
// reclaimed in-progress rows) before any new resolution produces more.
func (c *Controller) seedPendingFiles(ctx context.Context) {
	files, err := c.store.ListFilesByJobStatus(ctx, c.job.ID, types.FilePending)
	if err != nil {
		utils.Debug("job: list pending files: %v", err)
		return
	}
	for _, f := range files {
		select {
		case <-ctx.Done():
			return
		default:
			c.pool.Enqueue(f.ID)
		}
	}
}

func (c *Controller) resolveItems(ctx context.Context) {
	items, err := c.store.ListItems(ctx, c.job.ID)
	if err != nil {
		utils.Debug("job: list items: %v", err)
		return
	}

	for _, item := range items {
		if item.Status == types.ItemResolved {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.store.UpdateItemStatus(ctx, item.ID, types.ItemResolving, ""); err != nil {
			utils.Debug("job: mark item resolving: %v", err)
			continue
		}

		manifestFiles, err := c.resolver.Resolve(ctx, item.Identifier, c.job.Filters)
		if err != nil {
			c.store.UpdateItemStatus(ctx, item.ID, types.ItemFailed, err.Error())
			c.publish(events.ItemFailedMsg{JobID: c.job.ID, Item: item.Identifier, Err: err.Error()})
			continue
		}

		if err := c.store.InsertFiles(ctx, item.ID, manifestFiles, func(name string) string {
			return utils.LocalFilePath(c.job.OutputRoot, item.Identifier, name)
		}); err != nil {
			c.store.UpdateItemStatus(ctx, item.ID, types.ItemFailed, err.Error())
			continue
		}
		c.store.UpdateItemStatus(ctx, item.ID, types.ItemResolved, "")
		c.publish(events.ItemResolvedMsg{JobID: c.job.ID, Item: item.Identifier, FilesFound: len(manifestFiles)})

		files, err := c.store.ListFiles(ctx, item.ID)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.Status == types.FilePending {
				c.pool.Enqueue(f.ID)
			}
		}
	}
}

// fetchOne resolves the item identifier owning a file id and runs the
// Fetcher against it, returning the file's terminal status for the
// scheduler's scaling decision.
func (c *Controller) fetchOne(ctx context.Context, fileID int64) (types.FileStatus, error) {
	file, item, err := c.lookupFile(ctx, fileID)
	if err != nil {
		return types.FileFailed, err
	}

	var resumeFrom int64
	if info, statErr := os.Stat(file.LocalPath + types.PartialSuffix); statErr == nil {
		resumeFrom = info.Size()
	}
	c.publish(events.FileStartedMsg{JobID: c.job.ID, Item: item, RemoteName: file.RemoteName, ResumeFrom: resumeFrom})

	remoteURL := fmt.Sprintf("%s/%s/%s", c.downloadBaseURL, item, file.RemoteName)
	err = c.fetcher.Fetch(ctx, fetch.Task{RemoteURL: remoteURL, Item: item, File: file})

	updated, _, lookupErr := c.lookupFile(ctx, fileID)
	status := file.Status
	if lookupErr == nil {
		status = updated.Status
	}

	if err != nil {
		c.publish(events.FileErrorMsg{JobID: c.job.ID, Item: item, RemoteName: file.RemoteName, Kind: updated.LastError, Err: err})
	} else {
		c.publish(events.FileDoneMsg{JobID: c.job.ID, Item: item, RemoteName: file.RemoteName, Bytes: updated.Downloaded})
	}
	return status, err
}

func (c *Controller) lookupFile(ctx context.Context, fileID int64) (types.File, string, error) {
	items, err := c.store.ListItems(ctx, c.job.ID)
	if err != nil {
		return types.File{}, "", err
	}
	for _, item := range items {
		files, err := c.store.ListFiles(ctx, item.ID)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.ID == fileID {
				return f, item.Identifier, nil
			}
		}
	}
	return types.File{}, "", fmt.Errorf("job: file %d not found", fileID)
}

func (c *Controller) onResult(r scheduler.Result) {
	// Scheduler-level outcomes are already published per-file from fetchOne;
	// this hook exists for future aggregate-only consumers.
}

func (c *Controller) publishMetrics(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := c.Status(ctx)
			if err != nil {
				continue
			}
			c.publish(events.ProgressMsg{JobID: c.job.ID, Snapshot: snap})
		}
	}
}
