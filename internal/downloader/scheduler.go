// Package downloader runs the manifest through a bounded worker pool.
// Completion order across workers is unspecified; only the manifest's
// own order is stable.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"igharvest/pkg/config"
	"igharvest/pkg/errors"
	"igharvest/pkg/logger"
	"igharvest/pkg/models"
	"igharvest/pkg/retry"
)

// Fetcher streams one asset; satisfied by *instagram.Client
type Fetcher interface {
	Open(url string) (io.ReadCloser, error)
}

// Scheduler downloads manifest entries with bounded concurrency and a
// paced dispatch rate.
type Scheduler struct {
	fetcher Fetcher
	cfg     config.DownloadConfig
	logger  logger.Logger

	// dispatcher pacing, between task hand-offs, not between workers
	dispatch *rate.Limiter

	// completed keys from a previous run are skipped without touching
	// the network or the filesystem
	completed map[string]struct{}

	// onTaskDone fires after every terminal task state so the caller
	// can checkpoint incrementally
	onTaskDone func(models.DownloadTask)
}

// NewScheduler creates a Scheduler
func NewScheduler(fetcher Fetcher, cfg config.DownloadConfig, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.GetLogger()
	}

	interval := cfg.DispatchInterval
	limiter := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	return &Scheduler{
		fetcher:   fetcher,
		cfg:       cfg,
		logger:    log,
		dispatch:  limiter,
		completed: make(map[string]struct{}),
	}
}

// SetCompleted marks canonical keys as already downloaded
func (s *Scheduler) SetCompleted(keys []string) {
	for _, key := range keys {
		s.completed[key] = struct{}{}
	}
}

// SetOnTaskDone registers the terminal-state callback. Called from
// worker goroutines; the callback must be safe for concurrent use.
func (s *Scheduler) SetOnTaskDone(fn func(models.DownloadTask)) {
	s.onTaskDone = fn
}

// BuildTasks derives one task per manifest entry. The destination name
// is a pure function of the entry's manifest ordinal and URL extension
// so re-runs produce identical filenames.
func BuildTasks(manifest []models.MediaReference, mediaDir string) []models.DownloadTask {
	tasks := make([]models.DownloadTask, 0, len(manifest))
	for i, ref := range manifest {
		tasks = append(tasks, models.DownloadTask{
			Reference:       ref,
			DestinationPath: filepath.Join(mediaDir, fmt.Sprintf("media_%d%s", i+1, extensionOf(ref.RawURL))),
			State:           models.TaskPending,
		})
	}
	return tasks
}

// extensionOf takes the extension from the URL path, never the query
func extensionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".bin"
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".bin"
}

// Run downloads every task and returns the summary. Cancelling ctx
// stops dispatching new tasks; in-flight tasks finish or time out, then
// Run returns with the partial summary.
func (s *Scheduler) Run(ctx context.Context, tasks []models.DownloadTask) models.DownloadSummary {
	s.logger.InfoWithFields("starting download scheduler", map[string]interface{}{
		"tasks":       len(tasks),
		"concurrency": s.cfg.Concurrency,
	})

	queue := make(chan models.DownloadTask)
	results := make(chan models.DownloadTask)

	var workers sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			for task := range queue {
				results <- s.process(ctx, task, id)
			}
		}(i)
	}

	go func() {
		defer close(queue)
		for _, task := range tasks {
			if err := s.dispatch.Wait(ctx); err != nil {
				s.logger.Info("dispatch stopped, waiting for in-flight downloads")
				return
			}
			select {
			case queue <- task:
			case <-ctx.Done():
				s.logger.Info("dispatch stopped, waiting for in-flight downloads")
				return
			}
		}
	}()

	go func() {
		workers.Wait()
		close(results)
	}()

	var summary models.DownloadSummary
	for task := range results {
		switch {
		case task.Skipped:
			summary.Skipped++
		case task.State == models.TaskDone:
			summary.Succeeded++
		default:
			summary.Failed++
			summary.FailedItems = append(summary.FailedItems, models.FailedItem{
				URL:          task.Reference.RawURL,
				CanonicalKey: task.Reference.CanonicalKey,
				LastError:    task.LastError,
			})
		}
		if s.onTaskDone != nil {
			s.onTaskDone(task)
		}
	}

	s.logger.InfoWithFields("download scheduler finished", map[string]interface{}{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	})
	return summary
}

// process runs one task to a terminal state
func (s *Scheduler) process(ctx context.Context, task models.DownloadTask, workerID int) models.DownloadTask {
	start := time.Now()
	task.State = models.TaskInProgress

	if _, done := s.completed[task.Reference.CanonicalKey]; done {
		task.State = models.TaskDone
		task.Skipped = true
		task.Duration = time.Since(start)
		return task
	}

	if info, err := os.Stat(task.DestinationPath); err == nil && info.Size() > 0 {
		s.logger.DebugWithFields("destination exists, skipping", map[string]interface{}{
			"worker_id": workerID,
			"path":      task.DestinationPath,
		})
		task.State = models.TaskDone
		task.Skipped = true
		task.Size = info.Size()
		task.Duration = time.Since(start)
		return task
	}

	// Per-worker backoff: one stalled worker never blocks the pool
	err := retry.Do(func() error {
		attemptErr := s.downloadOnce(task.Reference.RawURL, task.DestinationPath)
		task.Attempts++
		return attemptErr
	}, &retry.Config{
		MaxAttempts: s.cfg.RetryAttempts,
		Backoff:     retry.DefaultExponentialBackoff(),
		RetryIf:     retry.DefaultRetryIf,
		Context:     ctx,
		Logger:      s.logger,
	})

	task.Duration = time.Since(start)
	if err != nil {
		task.State = models.TaskFailed
		task.LastError = err.Error()
		s.logger.ErrorWithFields("download failed", map[string]interface{}{
			"worker_id": workerID,
			"url":       task.Reference.RawURL,
			"attempts":  task.Attempts,
			"error":     err.Error(),
		})
		return task
	}

	if info, statErr := os.Stat(task.DestinationPath); statErr == nil {
		task.Size = info.Size()
	}
	task.State = models.TaskDone
	s.logger.DebugWithFields("download complete", map[string]interface{}{
		"worker_id": workerID,
		"path":      task.DestinationPath,
		"size":      task.Size,
		"duration":  task.Duration,
	})
	return task
}

// downloadOnce streams the asset to a temp file and renames it into
// place. A zero-size result is a failure and the partial file is
// removed so the next attempt starts clean.
func (s *Scheduler) downloadOnce(rawURL, destination string) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return errors.Newf(errors.ErrorTypeUnknown, "failed to create media directory: %v", err)
	}

	body, err := s.fetcher.Open(rawURL)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp := destination + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Newf(errors.ErrorTypeUnknown, "failed to create temp file: %v", err)
	}

	written, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Newf(errors.ErrorTypeNetwork, "stream interrupted: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Newf(errors.ErrorTypeUnknown, "failed to close temp file: %v", err)
	}

	if written == 0 {
		os.Remove(tmp)
		return errors.Newf(errors.ErrorTypeServerError, "empty response body for %s", rawURL)
	}

	if err := os.Rename(tmp, destination); err != nil {
		os.Remove(tmp)
		return errors.Newf(errors.ErrorTypeUnknown, "failed to move file into place: %v", err)
	}
	return nil
}
