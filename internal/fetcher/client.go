// Package fetcher implements the rate-limited HTTP client every network call of
// the pipeline goes through: a bounded admission gate, global dispatch pacing
// with jitter, periodic anti-fingerprinting pauses, identity rotation and
// retry with exponential backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/metrics"
)

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("fetch client closed")

// Request describes one fetch. Key identifies the item the result belongs to.
type Request struct {
	Key     string
	URL     string
	Profile Profile
}

// Response is the raw outcome of one attempt.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Transport performs a single HTTP GET. Non-2xx statuses are returned in the
// Response, not as errors.
type Transport interface {
	Do(ctx context.Context, req Request, headers http.Header) (Response, error)
	Close() error
}

// FetchError reports a fetch that did not succeed within its attempt budget.
type FetchError struct {
	Key        string
	URL        string
	Attempts   int
	StatusCode int
	Class      FailureClass
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s failed after %d attempt(s) (%s): %v", e.URL, e.Attempts, e.Class, e.Err)
	}
	return fmt.Sprintf("fetch %s failed after %d attempt(s) (%s, status %d)", e.URL, e.Attempts, e.Class, e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchTask is the per-item outcome of FetchAll.
type FetchTask struct {
	Key      string
	URL      string
	Attempts int
	Response Response
	Err      error
}

// OK reports whether the task succeeded.
func (t FetchTask) OK() bool {
	return t.Err == nil
}

// Config controls gate size, pacing and retries.
type Config struct {
	Concurrency int
	RateLimit   time.Duration
	JitterMin   time.Duration
	JitterMax   time.Duration
	PauseEvery  int
	PauseMin    time.Duration
	PauseMax    time.Duration
	MaxRetries  int
	Timeout     time.Duration
}

// DefaultConfig returns the production pacing profile.
func DefaultConfig() Config {
	return Config{
		Concurrency: 5,
		RateLimit:   1200 * time.Millisecond,
		JitterMin:   200 * time.Millisecond,
		JitterMax:   500 * time.Millisecond,
		PauseEvery:  15,
		PauseMin:    3 * time.Second,
		PauseMax:    7 * time.Second,
		MaxRetries:  3,
		Timeout:     30 * time.Second,
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithPauser replaces the timer used for pacing and backoff.
func WithPauser(p Pauser) Option {
	return func(c *Client) {
		if p != nil {
			c.pauser = p
		}
	}
}

// WithIdentityPool replaces the user agent rotation pool.
func WithIdentityPool(pool *IdentityPool) Option {
	return func(c *Client) {
		if pool != nil {
			c.identities = pool
		}
	}
}

// WithChallengeDetector treats detected challenge pages as forbidden responses,
// so they are retried under a fresh identity.
func WithChallengeDetector(d *ChallengeDetector) Option {
	return func(c *Client) {
		c.challenges = d
	}
}

// WithNow replaces the clock used for pacing.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func withJitter(src jitterSource) Option {
	return func(c *Client) {
		c.jitter = src
		c.retry.jitter = src
		c.identities.pick = src
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg        Config
	transport  Transport
	gate       *semaphore.Weighted
	retry      *RetryPolicy
	identities *IdentityPool
	challenges *ChallengeDetector
	pauser     Pauser
	jitter     jitterSource
	now        func() time.Time
	logger     *zap.Logger

	// pace is a one-slot lock serializing dispatch; it guards lastDispatch and dispatched.
	pace         chan struct{}
	lastDispatch time.Time
	dispatched   int64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewClient builds a Client over transport.
func NewClient(cfg Config, transport Transport, logger *zap.Logger, opts ...Option) *Client {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:        cfg,
		transport:  transport,
		gate:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		retry:      NewRetryPolicy(cfg.MaxRetries),
		identities: NewIdentityPool(nil),
		pauser:     timerPauser{},
		jitter:     cryptoJitter{},
		now:        time.Now,
		logger:     logger.Named("fetcher"),
		pace:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch performs req with pacing and retries.
func (c *Client) Fetch(ctx context.Context, req Request) (Response, error) {
	resp, _, err := c.fetch(ctx, req)
	return resp, err
}

// FetchAll fetches every request concurrently under the admission gate. Results
// are keyed by Request.Key since completion order is not dispatch order. Keys
// are expected to be unique; a repeated key is fetched once, using the first
// request that carries it.
func (c *Client) FetchAll(ctx context.Context, reqs []Request) map[string]FetchTask {
	results := make(map[string]FetchTask, len(reqs))
	seen := make(map[string]struct{}, len(reqs))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, req := range reqs {
		if _, dup := seen[req.Key]; dup {
			c.logger.Debug("skipping duplicate fetch key", zap.String("key", req.Key), zap.String("url", req.URL))
			continue
		}
		seen[req.Key] = struct{}{}
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			resp, attempts, err := c.fetch(ctx, req)
			task := FetchTask{Key: req.Key, URL: req.URL, Attempts: attempts, Response: resp, Err: err}
			mu.Lock()
			results[req.Key] = task
			mu.Unlock()
		}(req)
	}
	wg.Wait()
	return results
}

// Dispatched returns how many attempts have been sent.
func (c *Client) Dispatched() int64 {
	c.pace <- struct{}{}
	defer func() { <-c.pace }()
	return c.dispatched
}

// Close releases pooled connections. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.transport != nil {
			if err := c.transport.Close(); err != nil {
				c.closeErr = fmt.Errorf("close transport: %w", err)
			}
		}
	})
	return c.closeErr
}

func (c *Client) fetch(ctx context.Context, req Request) (Response, int, error) {
	if c.closed.Load() {
		return Response{}, 0, ErrClosed
	}
	logger := c.logger.With(zap.String("url", req.URL), zap.String("key", req.Key))
	for attempt := 1; ; attempt++ {
		resp, err := c.attempt(ctx, req)
		class := Classify(ctx, resp.StatusCode, err)
		if class == ClassNone && c.challenges.Blocked(req.Profile, resp) {
			class, err = ClassForbidden, ErrChallenge
		}
		if class == ClassNone {
			return resp, attempt, nil
		}
		fetchErr := &FetchError{
			Key:        req.Key,
			URL:        req.URL,
			Attempts:   attempt,
			StatusCode: resp.StatusCode,
			Class:      class,
			Err:        err,
		}
		if class == ClassCanceled {
			fetchErr.Err = ctx.Err()
			return resp, attempt, fetchErr
		}
		if !c.retry.ShouldRetry(class, attempt) {
			metrics.ObserveFetchFailure(string(class))
			logger.Warn("fetch failed",
				zap.Int("attempts", attempt),
				zap.Int("status", resp.StatusCode),
				zap.String("class", string(class)),
				zap.Error(err),
			)
			return resp, attempt, fetchErr
		}
		wait := c.retry.Backoff(class, attempt)
		metrics.ObserveRetry(string(class))
		logger.Debug("retrying fetch",
			zap.Int("attempt", attempt),
			zap.String("class", string(class)),
			zap.Duration("backoff", wait),
		)
		if perr := c.pauser.Pause(ctx, wait); perr != nil {
			fetchErr.Class = ClassCanceled
			fetchErr.Err = perr
			return resp, attempt, fetchErr
		}
	}
}

func (c *Client) attempt(ctx context.Context, req Request) (Response, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return Response{}, fmt.Errorf("acquire fetch slot: %w", err)
	}
	defer c.gate.Release(1)

	if err := c.waitTurn(ctx); err != nil {
		return Response{}, fmt.Errorf("wait for dispatch slot: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	resp, err := c.transport.Do(attemptCtx, req, c.identities.Headers(req.Profile))
	if err != nil {
		metrics.ObserveFetch(0)
		return resp, err
	}
	metrics.ObserveFetch(resp.StatusCode)
	return resp, nil
}

// waitTurn enforces the global pacing: each dispatch happens at least RateLimit
// plus jitter after the previous one, and every PauseEvery-th dispatch adds a
// longer pause.
func (c *Client) waitTurn(ctx context.Context) error {
	start := c.now()
	select {
	case c.pace <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.pace }()

	if !c.lastDispatch.IsZero() {
		if wait := c.cfg.RateLimit - c.now().Sub(c.lastDispatch); wait > 0 {
			if err := c.pauser.Pause(ctx, wait); err != nil {
				return err
			}
		}
	}
	if err := c.pauser.Pause(ctx, uniform(c.jitter, c.cfg.JitterMin, c.cfg.JitterMax)); err != nil {
		return err
	}
	c.dispatched++
	if c.cfg.PauseEvery > 0 && c.dispatched%int64(c.cfg.PauseEvery) == 0 {
		pause := uniform(c.jitter, c.cfg.PauseMin, c.cfg.PauseMax)
		c.logger.Debug("periodic pause", zap.Int64("dispatched", c.dispatched), zap.Duration("pause", pause))
		if err := c.pauser.Pause(ctx, pause); err != nil {
			return err
		}
	}
	c.lastDispatch = c.now()
	metrics.ObservePacingWait(c.lastDispatch.Sub(start))
	return nil
}
