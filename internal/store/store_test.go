package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iavault/iavault/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndLoadJobRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := &types.Job{
		ID:              "job1",
		OutputRoot:      "/tmp/out",
		Filters:         types.FilterConfig{MetadataOnly: false, ExtensionWhitelist: []string{"mp3"}},
		WorkerCeiling:   8,
		BandwidthBps:    0,
		DynamicScaling:  true,
		Sync:            false,
		AuthPath:        "",
		ManifestBaseURL: "https://archive.org/metadata",
		DownloadBaseURL: "https://archive.org/download",
		CreatedAt:       time.Now().Truncate(time.Second),
		State:           types.JobIdle,
	}
	require.NoError(t, s.UpsertJob(ctx, job))

	loaded, err := s.LoadJob(ctx, "job1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, job.OutputRoot, loaded.OutputRoot)
	require.Equal(t, job.WorkerCeiling, loaded.WorkerCeiling)
	require.Equal(t, job.ManifestBaseURL, loaded.ManifestBaseURL)
	require.Equal(t, job.DownloadBaseURL, loaded.DownloadBaseURL)
	require.ElementsMatch(t, job.Filters.ExtensionWhitelist, loaded.Filters.ExtensionWhitelist)
	require.True(t, loaded.DynamicScaling)
}

func TestLoadJobReturnsNilWhenAbsent(t *testing.T) {
	s := openTestStore(t)
	job, err := s.LoadJob(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestUpsertItemIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertJob(ctx, &types.Job{ID: "job1", CreatedAt: time.Now()}))

	id1, err := s.UpsertItem(ctx, "job1", "identifierA")
	require.NoError(t, err)
	id2, err := s.UpsertItem(ctx, "job1", "identifierA")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	items, err := s.ListItems(ctx, "job1")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestClaimFileOnlySucceedsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertJob(ctx, &types.Job{ID: "job1", CreatedAt: time.Now()}))
	itemID, err := s.UpsertItem(ctx, "job1", "identifierA")
	require.NoError(t, err)
	require.NoError(t, s.InsertFiles(ctx, itemID, []types.ManifestFile{{Name: "a.mp3", Size: 100}}, func(n string) string { return "/tmp/" + n }))

	files, err := s.ListFiles(ctx, itemID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	fileID := files[0].ID

	claimed, err := s.ClaimFile(ctx, fileID)
	require.NoError(t, err)
	require.True(t, claimed)

	claimedAgain, err := s.ClaimFile(ctx, fileID)
	require.NoError(t, err)
	require.False(t, claimedAgain)
}

func TestReleaseFileUpdatesProgressSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertJob(ctx, &types.Job{ID: "job1", CreatedAt: time.Now()}))
	itemID, err := s.UpsertItem(ctx, "job1", "identifierA")
	require.NoError(t, err)
	require.NoError(t, s.InsertFiles(ctx, itemID, []types.ManifestFile{
		{Name: "a.mp3", Size: 100},
		{Name: "b.mp3", Size: 200},
	}, func(n string) string { return "/tmp/" + n }))

	files, err := s.ListFiles(ctx, itemID)
	require.NoError(t, err)
	require.Len(t, files, 2)

	ok, err := s.ClaimFile(ctx, files[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ReleaseFile(ctx, files[0].ID, Outcome{Status: types.FileDone, Downloaded: 100}))

	snap, err := s.ProgressSnapshot(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, 2, snap.TotalFiles)
	require.Equal(t, 1, snap.Done)
	require.Equal(t, 1, snap.Pending)
	require.Equal(t, int64(100), snap.BytesDone)
	require.Equal(t, int64(300), snap.BytesTotal)
}

func TestReclaimInProgressResetsToPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertJob(ctx, &types.Job{ID: "job1", CreatedAt: time.Now()}))
	itemID, err := s.UpsertItem(ctx, "job1", "identifierA")
	require.NoError(t, err)
	require.NoError(t, s.InsertFiles(ctx, itemID, []types.ManifestFile{{Name: "a.mp3", Size: 100}}, func(n string) string { return "/tmp/" + n }))

	files, err := s.ListFiles(ctx, itemID)
	require.NoError(t, err)
	ok, err := s.ClaimFile(ctx, files[0].ID)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ReclaimInProgress(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	reclaimed, err := s.ListFiles(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, types.FilePending, reclaimed[0].Status)
}

func TestListFilesByJobStatusFiltersCorrectly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertJob(ctx, &types.Job{ID: "job1", CreatedAt: time.Now()}))
	itemID, err := s.UpsertItem(ctx, "job1", "identifierA")
	require.NoError(t, err)
	require.NoError(t, s.InsertFiles(ctx, itemID, []types.ManifestFile{
		{Name: "a.mp3"}, {Name: "b.mp3"},
	}, func(n string) string { return "/tmp/" + n }))

	files, err := s.ListFiles(ctx, itemID)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseFile(ctx, files[0].ID, Outcome{Status: types.FileDone}))

	pending, err := s.ListFilesByJobStatus(ctx, "job1", types.FilePending, types.FileInProgress)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "b.mp3", pending[0].RemoteName)
}

func TestOpenReadOnlyDoesNotContendWithTheWriterLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	writer, err := Open(path)
	require.NoError(t, err)
	defer writer.Close()

	ctx := context.Background()
	require.NoError(t, writer.UpsertJob(ctx, &types.Job{ID: "job1", CreatedAt: time.Now()}))

	// A second writer against the same path must still fail: OpenReadOnly
	// taking no lock must not have weakened the single-writer guarantee.
	_, err = Open(path)
	require.Error(t, err)

	reader, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer reader.Close()

	job, err := reader.LoadJob(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, "job1", job.ID)
}

func TestOpenReadOnlyOnMissingDatabaseDoesNotCreateSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	reader, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.LoadJob(context.Background(), "job1")
	require.Error(t, err)
}
