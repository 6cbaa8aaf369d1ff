// Package paginator walks a user feed page by page. Pagination is
// strictly sequential: each request needs the cursor issued by the
// previous response, and a cursor is used at most once.
package paginator

import (
	"context"
	"math/rand"
	"time"

	"igharvest/pkg/config"
	"igharvest/pkg/errors"
	"igharvest/pkg/instagram"
	"igharvest/pkg/logger"
	"igharvest/pkg/retry"
)

// State identifies where the engine is in its lifecycle
type State string

const (
	StateStart       State = "start"
	StateFetching    State = "fetching"
	StatePageReady   State = "page_ready"
	StateRateLimited State = "rate_limited"
	StateAuthExpired State = "auth_expired"
	StateExhausted   State = "exhausted"
	StateError       State = "error"
)

// Cursor is the opaque continuation token issued by the remote service.
// The engine never constructs or guesses a token.
type Cursor struct {
	Token   string
	HasMore bool
}

// Page is one fetched feed page. It is transient; callers extract from
// it and checkpoint its cursor, nothing more.
type Page struct {
	SequenceNumber int
	Posts          []instagram.Post
	Cursor         Cursor
}

// FeedFetcher fetches one feed page; satisfied by *instagram.Client
type FeedFetcher interface {
	FetchFeedPage(userID, maxID string, count int) (*instagram.FeedResponse, error)
}

// Engine is the pagination state machine for one subject feed
type Engine struct {
	fetcher FeedFetcher
	cfg     config.PaginationConfig
	logger  logger.Logger

	userID   string
	cursor   Cursor
	state    State
	sequence int
	lastErr  error

	// rng drives the jittered inter-page delay; seeded per engine so
	// tests can run with PageDelayMax zeroed instead of stubbing it
	rng *rand.Rand
}

// New creates an Engine starting at the beginning of the feed
func New(fetcher FeedFetcher, userID string, cfg config.PaginationConfig, log logger.Logger) *Engine {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Engine{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  log,
		userID:  userID,
		state:   StateStart,
		cursor:  Cursor{HasMore: true},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Resume creates an Engine continuing from a previously checkpointed
// cursor token.
func Resume(fetcher FeedFetcher, userID, cursorToken string, cfg config.PaginationConfig, log logger.Logger) *Engine {
	e := New(fetcher, userID, cfg, log)
	e.cursor = Cursor{Token: cursorToken, HasMore: true}
	return e
}

// State returns the engine's current state
func (e *Engine) State() State {
	return e.state
}

// Cursor returns the cursor for the next fetch; checkpoint this after
// consuming the page it came with.
func (e *Engine) Cursor() Cursor {
	return e.cursor
}

// Err returns the error that moved the engine into a terminal failure
// state, nil otherwise.
func (e *Engine) Err() error {
	return e.lastErr
}

// Next fetches the next page. It returns (nil, nil) once the feed is
// exhausted. Each call issues exactly one successful page request;
// rate-limit retries happen inside the call with backoff, and any other
// failure is terminal for the engine.
func (e *Engine) Next(ctx context.Context) (*Page, error) {
	switch e.state {
	case StateExhausted:
		return nil, nil
	case StateAuthExpired, StateError:
		return nil, e.lastErr
	}

	if e.state == StatePageReady {
		if err := e.interPageDelay(ctx); err != nil {
			return nil, e.fail(err)
		}
	}

	e.state = StateFetching

	resp, err := e.fetchWithBackoff(ctx)
	if err != nil {
		return nil, e.fail(err)
	}

	if resp.SessionExpired() {
		return nil, e.fail(errors.New(errors.ErrorTypeAuthExpired,
			"feed reports the session is no longer valid", 0))
	}

	if !resp.HasItems() {
		return nil, e.fail(errors.Newf(errors.ErrorTypeMalformed,
			"feed page %d has no items collection (status %q)", e.sequence+1, resp.Status))
	}

	posts := make([]instagram.Post, 0, len(*resp.Items))
	for _, raw := range *resp.Items {
		post, err := instagram.DecodePost(raw)
		if err != nil {
			return nil, e.fail(errors.Newf(errors.ErrorTypeMalformed,
				"feed page %d contains an undecodable item: %v", e.sequence+1, err))
		}
		posts = append(posts, post)
	}

	e.sequence++
	page := &Page{
		SequenceNumber: e.sequence,
		Posts:          posts,
		Cursor: Cursor{
			Token:   resp.NextMaxID,
			HasMore: resp.MoreAvailable && resp.NextMaxID != "",
		},
	}

	// The consumed cursor is spent; only the fresh one is kept
	e.cursor = page.Cursor

	e.logger.DebugWithFields("feed page fetched", map[string]interface{}{
		"sequence": page.SequenceNumber,
		"posts":    len(posts),
		"has_more": page.Cursor.HasMore,
	})

	if page.Cursor.HasMore {
		e.state = StatePageReady
	} else {
		e.state = StateExhausted
	}
	return page, nil
}

// fetchWithBackoff issues the page request, retrying rate-limit and
// transient failures with growing delays up to the attempt ceiling.
// The same cursor is reused across retries of the SAME request; it is
// only spent once a response arrives.
func (e *Engine) fetchWithBackoff(ctx context.Context) (*instagram.FeedResponse, error) {
	backoff := &retry.ExponentialBackoff{
		BaseDelay:    e.cfg.BackoffBase,
		MaxDelay:     e.cfg.BackoffMax,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}

	return retry.DoWithResult(func() (*instagram.FeedResponse, error) {
		// a retry leaves the throttled state once the next attempt starts
		e.state = StateFetching
		return e.fetcher.FetchFeedPage(e.userID, e.cursor.Token, e.cfg.PageSize)
	}, &retry.Config{
		MaxAttempts: e.cfg.MaxAttempts,
		Backoff:     backoff,
		RetryIf:     retry.DefaultRetryIf,
		Context:     ctx,
		Logger:      e.logger,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			if errors.Is(err, errors.ErrorTypeRateLimit) {
				e.state = StateRateLimited
			}
		},
	})
}

// fail records the terminal error and picks the matching terminal state
func (e *Engine) fail(err error) error {
	e.lastErr = err
	switch errors.TypeOf(err) {
	case errors.ErrorTypeAuthExpired, errors.ErrorTypeAuth:
		e.state = StateAuthExpired
	default:
		e.state = StateError
	}
	return err
}

// interPageDelay sleeps a jittered interval between page requests.
// A zero PageDelayMax disables the delay.
func (e *Engine) interPageDelay(ctx context.Context) error {
	if e.cfg.PageDelayMax <= 0 {
		return nil
	}
	delay := e.cfg.PageDelayMin
	if spread := e.cfg.PageDelayMax - e.cfg.PageDelayMin; spread > 0 {
		delay += time.Duration(e.rng.Int63n(int64(spread)))
	}
	return retry.Wait(ctx, delay)
}
