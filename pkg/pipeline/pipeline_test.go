package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igharvest/pkg/checkpoint"
	"igharvest/pkg/config"
	"igharvest/pkg/dedup"
	errs "igharvest/pkg/errors"
	"igharvest/pkg/instagram"
	"igharvest/pkg/logger"
	"igharvest/pkg/models"
)

// fakeAPI scripts the whole remote surface
type fakeAPI struct {
	mu sync.Mutex

	profileID string
	pages     map[string]*instagram.FeedResponse
	details   map[string]string
	payloads  map[string]string

	detailErrs   map[string][]error
	downloadErrs map[string][]error

	// onFeedFetch observes each page request as it happens
	onFeedFetch func(maxID string)

	feedFetches   int
	detailFetches int
	downloads     int
}

func (f *fakeAPI) FetchProfile(username string) (*instagram.ProfileResponse, error) {
	if f.profileID == "" {
		return nil, errs.New(errs.ErrorTypeNotFound, "unknown profile", 404)
	}
	var resp instagram.ProfileResponse
	resp.Data.User.ID = f.profileID
	resp.Data.User.EdgeOwnerToTimelineMedia.Count = 42
	return &resp, nil
}

func (f *fakeAPI) FetchFeedPage(userID, maxID string, count int) (*instagram.FeedResponse, error) {
	f.mu.Lock()
	f.feedFetches++
	f.mu.Unlock()

	if f.onFeedFetch != nil {
		f.onFeedFetch(maxID)
	}

	page, ok := f.pages[maxID]
	if !ok {
		return nil, errs.New(errs.ErrorTypeNotFound, "no page for cursor "+maxID, 404)
	}
	return page, nil
}

func (f *fakeAPI) FetchMediaInfo(mediaID string) ([]byte, error) {
	f.mu.Lock()
	f.detailFetches++
	if queue := f.detailErrs[mediaID]; len(queue) > 0 {
		err := queue[0]
		f.detailErrs[mediaID] = queue[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	detail, ok := f.details[mediaID]
	if !ok {
		return nil, errs.New(errs.ErrorTypeNotFound, "no detail for "+mediaID, 404)
	}
	return []byte(detail), nil
}

func (f *fakeAPI) Open(url string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.downloads++
	if queue := f.downloadErrs[url]; len(queue) > 0 {
		err := queue[0]
		f.downloadErrs[url] = queue[1:]
		f.mu.Unlock()
		return nil, err
	}
	payload := f.payloads[url]
	f.mu.Unlock()

	return io.NopCloser(strings.NewReader(payload)), nil
}

func feedPage(postIDs []string, nextMaxID string, more bool) *instagram.FeedResponse {
	items := make([]json.RawMessage, len(postIDs))
	for i, id := range postIDs {
		items[i] = json.RawMessage(fmt.Sprintf(
			`{"pk":%q,"code":"c%s","image_versions2":{"candidates":[{"url":"https://x/%s.jpg?sig=feed","width":1080}]}}`,
			id, id, id))
	}
	return &instagram.FeedResponse{
		Items:         &items,
		MoreAvailable: more,
		NextMaxID:     nextMaxID,
		Status:        "ok",
	}
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Output.BaseDirectory = t.TempDir()
	cfg.Pagination.PageDelayMin = 0
	cfg.Pagination.PageDelayMax = 0
	cfg.Pagination.BackoffBase = time.Millisecond
	cfg.RateLimit.RetryDelay = time.Millisecond
	cfg.Download.DispatchInterval = 0
	cfg.Download.RetryAttempts = 1
	return cfg
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		profileID: "9001",
		pages: map[string]*instagram.FeedResponse{
			"":      feedPage([]string{"p1", "p2"}, "cur_1", true),
			"cur_1": feedPage([]string{"p3"}, "", false),
		},
		details: map[string]string{
			"p1": `{"video_versions":[{"url":"https://x/p1.mp4?sig=detail","width":720}]}`,
			"p2": `{"image_versions2":{"candidates":[{"url":"https://x/p2.jpg?sig=detail"}]}}`,
			"p3": `{"image_versions2":{"candidates":[{"url":"https://x/p3.jpg?sig=detail"}]}}`,
		},
		payloads: map[string]string{
			"https://x/p1.jpg?sig=feed":   "p1-image",
			"https://x/p2.jpg?sig=feed":   "p2-image",
			"https://x/p3.jpg?sig=feed":   "p3-image",
			"https://x/p1.mp4?sig=detail": "p1-video",
		},
	}
}

func TestRunFullHarvest(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig(t)
	p := New(api, cfg, logger.Nop())

	opts := Options{Subject: "testuser", CheckpointDir: t.TempDir()}
	report, err := p.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, 2, report.PagesFetched)
	assert.Equal(t, 3, report.PostsSeen)

	// Feed gives 3 images; detail docs add 1 video and 2 duplicate images
	assert.Equal(t, 4, report.ReferencesExtracted)
	assert.Equal(t, 2, report.DuplicatesElided)
	assert.Equal(t, 4, report.Downloads.Succeeded)
	assert.Equal(t, 0, report.Downloads.Failed)

	mediaDir := filepath.Join(cfg.Output.BaseDirectory, "testuser", "media")
	entries, err := os.ReadDir(mediaDir)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	manifestPath := filepath.Join(cfg.Output.BaseDirectory, "testuser", "manifest.json")
	manifest, err := dedup.LoadManifest(manifestPath)
	require.NoError(t, err)
	assert.Len(t, manifest, 4)
}

func TestRunCachesDetailDocuments(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig(t)

	rawDir := filepath.Join(cfg.Output.BaseDirectory, "testuser", "media_info")
	require.NoError(t, os.MkdirAll(rawDir, 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(rawDir, "p1.json"),
		[]byte(`{"video_versions":[{"url":"https://x/p1.mp4?sig=detail"}]}`), 0644))

	p := New(api, cfg, logger.Nop())
	_, err := p.Run(context.Background(), Options{Subject: "testuser", CheckpointDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, 2, api.detailFetches, "cached p1 must not be refetched")

	for _, id := range []string{"p2", "p3"} {
		_, err := os.Stat(filepath.Join(rawDir, id+".json"))
		assert.NoError(t, err, "detail document for %s should be cached", id)
	}
}

func TestRunRemovesCheckpointOnSuccess(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig(t)
	ckptDir := t.TempDir()

	p := New(api, cfg, logger.Nop())
	_, err := p.Run(context.Background(), Options{Subject: "testuser", CheckpointDir: ckptDir})
	require.NoError(t, err)

	manager, err := checkpoint.NewManager(ckptDir, "testuser")
	require.NoError(t, err)
	assert.False(t, manager.Exists())
}

func TestRunKeepsCheckpointWithFailedDownloads(t *testing.T) {
	api := newFakeAPI()
	api.downloadErrs = map[string][]error{
		"https://x/p2.jpg?sig=feed": {errs.New(errs.ErrorTypeNetwork, "reset", 0)},
	}

	cfg := testConfig(t)
	ckptDir := t.TempDir()

	p := New(api, cfg, logger.Nop())
	report, err := p.Run(context.Background(), Options{Subject: "testuser", CheckpointDir: ckptDir})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downloads.Failed)

	manager, err := checkpoint.NewManager(ckptDir, "testuser")
	require.NoError(t, err)
	assert.True(t, manager.Exists(), "failed downloads keep the checkpoint for a retry run")
}

func TestRunResumesWithoutRepeatingWork(t *testing.T) {
	api := newFakeAPI()
	api.downloadErrs = map[string][]error{
		"https://x/p3.jpg?sig=feed": {errs.New(errs.ErrorTypeNetwork, "reset", 0)},
	}

	cfg := testConfig(t)
	ckptDir := t.TempDir()
	p := New(api, cfg, logger.Nop())

	report, err := p.Run(context.Background(), Options{Subject: "testuser", CheckpointDir: ckptDir})
	require.NoError(t, err)
	require.Equal(t, 1, report.Downloads.Failed)

	feedFetchesAfterFirst := api.feedFetches
	downloadsAfterFirst := api.downloads

	// Second invocation: pagination is already exhausted, completed
	// downloads are skipped, only the failed item is retried.
	report, err = p.Run(context.Background(), Options{Subject: "testuser", CheckpointDir: ckptDir})
	require.NoError(t, err)

	assert.Equal(t, feedFetchesAfterFirst, api.feedFetches, "no pages refetched on resume")
	assert.Equal(t, downloadsAfterFirst+1, api.downloads, "only the failed item is retried")
	assert.Equal(t, 1, report.Downloads.Succeeded)
	assert.Equal(t, 0, report.Downloads.Failed)

	manager, err := checkpoint.NewManager(ckptDir, "testuser")
	require.NoError(t, err)
	assert.False(t, manager.Exists())
}

func TestRunPersistsManifestAfterEachPage(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig(t)
	manifestPath := filepath.Join(cfg.Output.BaseDirectory, "testuser", "manifest.json")

	var entriesBeforePageTwo int
	api.onFeedFetch = func(maxID string) {
		if maxID != "cur_1" {
			return
		}
		entries, err := dedup.LoadManifest(manifestPath)
		require.NoError(t, err)
		entriesBeforePageTwo = len(entries)
	}

	p := New(api, cfg, logger.Nop())
	_, err := p.Run(context.Background(), Options{Subject: "testuser", CheckpointDir: t.TempDir()})
	require.NoError(t, err)

	// Page 1 yields p1/p2 feed images plus the p1 detail video; all
	// three must be on disk before the page 2 request goes out.
	assert.Equal(t, 3, entriesBeforePageTwo,
		"references from a checkpointed page must survive a crash before the next page")
}

func TestRunResumesMidPaginationWithoutLosingReferences(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig(t)
	ckptDir := t.TempDir()

	// State left behind by a run killed after checkpointing page 1
	baseDir := filepath.Join(cfg.Output.BaseDirectory, "testuser")
	require.NoError(t, os.MkdirAll(baseDir, 0755))

	index := dedup.NewIndex()
	for _, u := range []string{
		"https://x/p1.jpg?sig=feed",
		"https://x/p2.jpg?sig=feed",
		"https://x/p1.mp4?sig=detail",
	} {
		index.Add(models.MediaReference{RawURL: u})
	}
	require.NoError(t, index.SaveManifest(filepath.Join(baseDir, "manifest.json")))

	manager, err := checkpoint.NewManager(ckptDir, "testuser")
	require.NoError(t, err)
	record := checkpoint.NewRecord("testuser")
	record.UserID = "9001"
	record.LastCursor = "cur_1"
	record.PagesFetched = 1
	record.AddPostID("p1")
	record.AddPostID("p2")
	require.NoError(t, manager.Save(record))

	p := New(api, cfg, logger.Nop())
	report, err := p.Run(context.Background(), Options{Subject: "testuser", CheckpointDir: ckptDir})
	require.NoError(t, err)

	assert.Equal(t, 1, api.feedFetches, "resume continues from the checkpointed cursor")
	assert.Equal(t, 4, report.Downloads.Succeeded, "pre-crash references are downloaded too")

	entries, err := os.ReadDir(filepath.Join(baseDir, "media"))
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestRunRetriesTransientDetailFailures(t *testing.T) {
	api := newFakeAPI()
	api.detailErrs = map[string][]error{
		"p1": {errs.New(errs.ErrorTypeNetwork, "reset", 0)},
	}

	cfg := testConfig(t)
	p := New(api, cfg, logger.Nop())
	report, err := p.Run(context.Background(), Options{Subject: "testuser", CheckpointDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Downloads.Succeeded, "the p1 video survives one dropped detail fetch")
	assert.Equal(t, 4, api.detailFetches, "one extra fetch for the retried detail document")
}

func TestDownloadCheckpointsFailedTasks(t *testing.T) {
	api := newFakeAPI()
	api.downloadErrs = map[string][]error{
		"https://x/p2.jpg?sig=feed": {errs.New(errs.ErrorTypeNetwork, "reset", 0)},
	}

	cfg := testConfig(t)
	p := New(api, cfg, logger.Nop())

	manager, err := checkpoint.NewManager(t.TempDir(), "testuser")
	require.NoError(t, err)
	record := checkpoint.NewRecord("testuser")

	layout, err := p.prepareLayout("testuser")
	require.NoError(t, err)

	manifest := []models.MediaReference{
		{RawURL: "https://x/p2.jpg?sig=feed", CanonicalKey: "https://x/p2.jpg"},
	}
	summary := p.download(context.Background(), manifest, record, manager, layout)
	require.Equal(t, 1, summary.Failed)

	saved, err := manager.Load()
	require.NoError(t, err)
	require.NotNil(t, saved, "a failed terminal state must flush the checkpoint")
	assert.Empty(t, saved.CompletedDownloadKeys, "failures never count as completed")
}

func TestRunForceRestartDiscardsCheckpoint(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig(t)
	ckptDir := t.TempDir()

	manager, err := checkpoint.NewManager(ckptDir, "testuser")
	require.NoError(t, err)
	stale := checkpoint.NewRecord("testuser")
	stale.Exhausted = true
	require.NoError(t, manager.Save(stale))

	p := New(api, cfg, logger.Nop())
	report, err := p.Run(context.Background(), Options{
		Subject:       "testuser",
		CheckpointDir: ckptDir,
		ForceRestart:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.PagesFetched, "restart walks the feed from the top")
}

func TestRunAbortsOnAuthExpiredButFlushesCheckpoint(t *testing.T) {
	api := newFakeAPI()
	api.pages = map[string]*instagram.FeedResponse{
		"": feedPage([]string{"p1"}, "cur_1", true),
	}

	cfg := testConfig(t)
	ckptDir := t.TempDir()

	authAPI := &authFailingAPI{fakeAPI: api, failCursor: "cur_1"}
	p := New(authAPI, cfg, logger.Nop())
	_, err := p.Run(context.Background(), Options{Subject: "testuser", CheckpointDir: ckptDir})
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeAuthExpired, errs.TypeOf(err))

	manager, err := checkpoint.NewManager(ckptDir, "testuser")
	require.NoError(t, err)
	record, err := manager.Load()
	require.NoError(t, err)
	require.NotNil(t, record, "checkpoint flushed before abort")
	assert.Equal(t, "cur_1", record.LastCursor)
	assert.Equal(t, 1, record.PagesFetched)
}

// authFailingAPI fails one specific cursor with an expired session
type authFailingAPI struct {
	*fakeAPI
	failCursor string
}

func (a *authFailingAPI) FetchFeedPage(userID, maxID string, count int) (*instagram.FeedResponse, error) {
	if maxID == a.failCursor {
		return nil, errs.New(errs.ErrorTypeAuthExpired, "session invalid", 401)
	}
	return a.fakeAPI.FetchFeedPage(userID, maxID, count)
}

func TestRunUnknownProfile(t *testing.T) {
	api := newFakeAPI()
	api.profileID = ""

	p := New(api, testConfig(t), logger.Nop())
	_, err := p.Run(context.Background(), Options{Subject: "ghost", CheckpointDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeNotFound, errs.TypeOf(err))
}

func TestRunExplicitUserIDSkipsProfileLookup(t *testing.T) {
	api := newFakeAPI()
	api.profileID = ""

	p := New(api, testConfig(t), logger.Nop())
	report, err := p.Run(context.Background(), Options{
		Subject:       "testuser",
		UserID:        "9001",
		CheckpointDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.PagesFetched)
}
