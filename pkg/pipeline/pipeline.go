// Package pipeline wires the four stages together: paginate the feed,
// extract references, deduplicate them into a manifest, download the
// survivors. Progress is checkpointed after every page and every
// terminal download so an interrupted run resumes instead of repeating.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"igharvest/internal/downloader"
	"igharvest/pkg/checkpoint"
	"igharvest/pkg/config"
	"igharvest/pkg/dedup"
	"igharvest/pkg/errors"
	"igharvest/pkg/extractor"
	"igharvest/pkg/instagram"
	"igharvest/pkg/logger"
	"igharvest/pkg/models"
	"igharvest/pkg/paginator"
	"igharvest/pkg/ratelimit"
	"igharvest/pkg/retry"
)

// API is the remote surface the pipeline needs; satisfied by
// *instagram.Client.
type API interface {
	FetchProfile(username string) (*instagram.ProfileResponse, error)
	FetchFeedPage(userID, maxID string, count int) (*instagram.FeedResponse, error)
	FetchMediaInfo(mediaID string) ([]byte, error)
	Open(url string) (io.ReadCloser, error)
}

// Options selects the subject and run mode
type Options struct {
	// Subject is the username whose feed is harvested
	Subject string

	// UserID skips the profile lookup when the numeric id is known
	UserID string

	// ForceRestart discards any existing checkpoint
	ForceRestart bool

	// CheckpointDir overrides the default checkpoint location
	CheckpointDir string
}

// Pipeline runs one subject end to end
type Pipeline struct {
	api    API
	cfg    *config.Config
	logger logger.Logger

	// apiLimiter paces feed and detail requests; downloads pace
	// themselves through the scheduler's dispatch interval
	apiLimiter ratelimit.Limiter
}

// New creates a Pipeline
func New(api API, cfg *config.Config, log logger.Logger) *Pipeline {
	if log == nil {
		log = logger.GetLogger()
	}
	// Bucket capacity is the burst allowance; the refill period is
	// stretched so the sustained rate stays at the configured
	// requests-per-minute.
	burst := cfg.RateLimit.BurstSize
	refill := time.Minute
	if burst <= 0 {
		burst = cfg.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		refill = time.Duration(burst) * time.Minute / time.Duration(cfg.RateLimit.RequestsPerMinute)
	}

	return &Pipeline{
		api:        api,
		cfg:        cfg,
		logger:     log,
		apiLimiter: ratelimit.NewTokenBucket(burst, refill),
	}
}

// pacedFeed applies the API limiter in front of every page request
type pacedFeed struct {
	api     API
	limiter ratelimit.Limiter
}

func (p pacedFeed) FetchFeedPage(userID, maxID string, count int) (*instagram.FeedResponse, error) {
	p.limiter.Wait()
	return p.api.FetchFeedPage(userID, maxID, count)
}

// Run harvests the subject's feed. On cancellation or pipeline-level
// failure the checkpoint is flushed before returning so the next
// invocation resumes from the last good cursor.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*models.RunReport, error) {
	report := &models.RunReport{
		Subject:   opts.Subject,
		StartedAt: time.Now(),
	}

	layout, err := p.prepareLayout(opts.Subject)
	if err != nil {
		return report, err
	}

	manager, err := checkpoint.NewManager(opts.CheckpointDir, opts.Subject)
	if err != nil {
		return report, err
	}

	record, err := p.loadOrCreateRecord(manager, opts)
	if err != nil {
		return report, err
	}

	userID := opts.UserID
	if userID == "" {
		userID = record.UserID
	}
	if userID == "" {
		userID, err = p.resolveUserID(opts.Subject)
		if err != nil {
			return report, err
		}
	}
	record.UserID = userID

	index := dedup.NewIndex()
	if err := p.seedIndex(index, record, layout.manifestPath); err != nil {
		return report, err
	}

	pageErr := p.paginate(ctx, opts.Subject, userID, record, manager, index, layout, report)

	// Whatever happened above, download what the manifest holds and
	// flush state so the run is resumable.
	report.ReferencesExtracted = index.Len()
	report.DuplicatesElided = index.Dropped()

	if err := index.SaveManifest(layout.manifestPath); err != nil {
		p.logger.WithError(err).Error("failed to save manifest")
	}

	report.Downloads = p.download(ctx, index.Manifest(), record, manager, layout)
	report.PagesFetched = record.PagesFetched
	report.FinishedAt = time.Now()

	if err := manager.Save(record); err != nil {
		p.logger.WithError(err).Error("failed to flush checkpoint")
	}

	if pageErr != nil {
		return report, pageErr
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	// Fully successful run: the checkpoint has served its purpose
	if record.Exhausted && report.Downloads.Failed == 0 {
		if err := manager.Delete(); err != nil {
			p.logger.WithError(err).Warn("failed to remove completed checkpoint")
		}
	}
	return report, nil
}

// outputLayout is the on-disk layout for one subject
type outputLayout struct {
	baseDir      string
	mediaDir     string
	rawDir       string
	manifestPath string
}

func (p *Pipeline) prepareLayout(subject string) (outputLayout, error) {
	base := filepath.Join(p.cfg.Output.BaseDirectory, subject)
	layout := outputLayout{
		baseDir:      base,
		mediaDir:     filepath.Join(base, p.cfg.Output.MediaDir),
		rawDir:       filepath.Join(base, p.cfg.Output.RawDocumentDir),
		manifestPath: filepath.Join(base, p.cfg.Output.ManifestFile),
	}
	for _, dir := range []string{layout.mediaDir, layout.rawDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return layout, fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
	}
	return layout, nil
}

func (p *Pipeline) loadOrCreateRecord(manager *checkpoint.Manager, opts Options) (*checkpoint.Record, error) {
	if opts.ForceRestart {
		if err := manager.Delete(); err != nil {
			return nil, err
		}
		return checkpoint.NewRecord(opts.Subject), nil
	}

	record, err := manager.Load()
	if err != nil {
		return nil, err
	}
	if record == nil {
		return checkpoint.NewRecord(opts.Subject), nil
	}

	p.logger.InfoWithFields("resuming from checkpoint", map[string]interface{}{
		"subject":       record.Subject,
		"pages_fetched": record.PagesFetched,
		"cursor":        record.LastCursor,
		"downloads":     len(record.CompletedDownloadKeys),
	})
	return record, nil
}

func (p *Pipeline) resolveUserID(subject string) (string, error) {
	p.apiLimiter.Wait()
	profile, err := p.api.FetchProfile(subject)
	if err != nil {
		return "", err
	}
	if profile.Data.User.ID == "" {
		return "", errors.Newf(errors.ErrorTypeNotFound, "profile %q has no user id", subject)
	}

	p.logger.InfoWithFields("resolved subject", map[string]interface{}{
		"subject":    subject,
		"user_id":    profile.Data.User.ID,
		"post_count": profile.Data.User.EdgeOwnerToTimelineMedia.Count,
	})
	return profile.Data.User.ID, nil
}

// seedIndex restores the previous run's manifest so entry ordinals, and
// with them destination filenames, stay stable across restarts. Keys
// recorded as downloaded but absent from the manifest are suppressed so
// re-extraction cannot re-emit finished work.
func (p *Pipeline) seedIndex(index *dedup.Index, record *checkpoint.Record, manifestPath string) error {
	previous, err := dedup.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	for _, entry := range previous {
		index.Add(entry)
	}

	index.Seed(record.CompletedDownloadKeys)
	return nil
}

// paginate walks the feed until exhaustion, extracting as it goes.
// Returns nil when the feed was fully walked.
func (p *Pipeline) paginate(
	ctx context.Context,
	subject, userID string,
	record *checkpoint.Record,
	manager *checkpoint.Manager,
	index *dedup.Index,
	layout outputLayout,
	report *models.RunReport,
) error {
	if record.Exhausted {
		p.logger.Info("feed already fully paginated, downloads only")
		return nil
	}

	feed := pacedFeed{api: p.api, limiter: p.apiLimiter}
	var engine *paginator.Engine
	if record.LastCursor != "" {
		engine = paginator.Resume(feed, userID, record.LastCursor, p.cfg.Pagination, p.logger)
	} else {
		engine = paginator.New(feed, userID, p.cfg.Pagination, p.logger)
	}

	ext := extractor.New()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := engine.Next(ctx)
		if err != nil {
			return err
		}
		if page == nil {
			record.Exhausted = true
			return manager.Save(record)
		}

		report.PostsSeen += len(page.Posts)
		for _, post := range page.Posts {
			index.AddAll(ext.Extract(post.Document, post.ID))
		}

		p.fetchDetails(ctx, page.Posts, record, index, ext, layout.rawDir)

		for _, post := range page.Posts {
			record.AddPostID(post.ID)
		}
		record.LastCursor = engine.Cursor().Token
		record.PagesFetched++

		// The manifest must hit disk before the cursor does: a crash
		// between the two would otherwise resume past pages whose
		// references were never persisted.
		if err := index.SaveManifest(layout.manifestPath); err != nil {
			return err
		}
		if err := manager.Save(record); err != nil {
			return err
		}
	}
}

// fetchDetails pulls the per-asset detail document for each post and
// extracts from it. Documents are cached under rawDir keyed by post id;
// a cached document is read back instead of fetched. Detail failures
// degrade to partial results, never abort the page.
func (p *Pipeline) fetchDetails(
	ctx context.Context,
	posts []instagram.Post,
	record *checkpoint.Record,
	index *dedup.Index,
	ext *extractor.Extractor,
	rawDir string,
) {
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Download.Concurrency)

	for _, post := range posts {
		post := post
		if post.ID == "" || record.HasPostID(post.ID) {
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return nil
			}

			doc, err := p.detailDocument(ctx, post.ID, rawDir)
			if err != nil {
				p.logger.WarnWithFields("detail fetch failed, continuing", map[string]interface{}{
					"post_id": post.ID,
					"error":   err.Error(),
				})
				return nil
			}

			refs := ext.Extract(doc, post.ID)
			mu.Lock()
			index.AddAll(refs)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

// detailDocument returns the post's detail document, preferring the
// on-disk cache. Transient fetch failures are retried with a flat delay
// before the caller writes the post off.
func (p *Pipeline) detailDocument(ctx context.Context, postID, rawDir string) (interface{}, error) {
	cachePath := filepath.Join(rawDir, postID+".json")
	if data, err := os.ReadFile(cachePath); err == nil && len(data) > 0 {
		return instagram.DecodeDocument(data)
	}

	var data []byte
	err := retry.Do(func() error {
		p.apiLimiter.Wait()
		var fetchErr error
		data, fetchErr = p.api.FetchMediaInfo(postID)
		return fetchErr
	}, &retry.Config{
		MaxAttempts: p.cfg.RateLimit.MaxRetries,
		Backoff:     &retry.ConstantBackoff{Delay: p.cfg.RateLimit.RetryDelay},
		RetryIf:     retry.DefaultRetryIf,
		Context:     ctx,
		Logger:      p.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(cachePath, data, 0644); err != nil {
		p.logger.WithError(err).Warn("failed to cache detail document")
	}
	return instagram.DecodeDocument(data)
}

// download runs the scheduler over the manifest, checkpointing every
// terminal task.
func (p *Pipeline) download(
	ctx context.Context,
	manifest []models.MediaReference,
	record *checkpoint.Record,
	manager *checkpoint.Manager,
	layout outputLayout,
) models.DownloadSummary {
	if len(manifest) == 0 {
		return models.DownloadSummary{}
	}

	var mu sync.Mutex
	scheduler := downloader.NewScheduler(p.api, p.cfg.Download, p.logger)
	scheduler.SetCompleted(record.CompletedDownloadKeys)
	// Every terminal state flushes the checkpoint; only completions
	// mark their key as done.
	scheduler.SetOnTaskDone(func(task models.DownloadTask) {
		mu.Lock()
		defer mu.Unlock()
		if task.State == models.TaskDone {
			record.AddDownloadKey(task.Reference.CanonicalKey)
		}
		if err := manager.Save(record); err != nil {
			p.logger.WithError(err).Error("failed to checkpoint download progress")
		}
	})

	return scheduler.Run(ctx, downloader.BuildTasks(manifest, layout.mediaDir))
}
