package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedTransport struct {
	mu       sync.Mutex
	statuses []int
	bodies   []string
	errs     []error
	byURL    map[string]int
	calls    int
	headers  []http.Header
	closed   int
}

func (s *scriptedTransport) Do(ctx context.Context, req Request, headers http.Header) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	s.headers = append(s.headers, headers)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return Response{}, s.errs[idx]
	}
	status := http.StatusOK
	if code, ok := s.byURL[req.URL]; ok {
		status = code
	} else if len(s.statuses) > 0 {
		status = s.statuses[min(idx, len(s.statuses)-1)]
	}
	body := req.Key
	if idx < len(s.bodies) {
		body = s.bodies[idx]
	}
	return Response{URL: req.URL, StatusCode: status, Body: []byte(body)}, nil
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPauser) Pause(ctx context.Context, delay time.Duration) error {
	p.mu.Lock()
	p.delays = append(p.delays, delay)
	p.mu.Unlock()
	return ctx.Err()
}

func (p *recordingPauser) count(d time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, v := range p.delays {
		if v == d {
			n++
		}
	}
	return n
}

// fixedJitter always draws min(v, n-1).
type fixedJitter struct{ v int64 }

func (f fixedJitter) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return min(f.v, n-1)
}

func testConfig() Config {
	return Config{
		Concurrency: 5,
		RateLimit:   time.Second,
		JitterMin:   200 * time.Millisecond,
		JitterMax:   500 * time.Millisecond,
		PauseEvery:  15,
		PauseMin:    3 * time.Second,
		PauseMax:    7 * time.Second,
		MaxRetries:  3,
		Timeout:     time.Second,
	}
}

func newTestClient(cfg Config, transport Transport, pauser Pauser, opts ...Option) *Client {
	base := []Option{WithPauser(pauser), withJitter(fixedJitter{})}
	return NewClient(cfg, transport, zap.NewNop(), append(base, opts...)...)
}

func TestFetchRetriesRateLimitedThenSucceeds(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{statuses: []int{429, 429, 200}}
	pauser := &recordingPauser{}
	client := newTestClient(testConfig(), transport, pauser)

	resp, err := client.Fetch(context.Background(), Request{Key: "100", URL: "https://example.com/api?skus=100"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, transport.callCount())
	// 2^0s + 2s, then 2^1s + 2s.
	require.Equal(t, 1, pauser.count(3*time.Second))
	require.Equal(t, 1, pauser.count(4*time.Second))
}

func TestFetchFailsAfterExactlyMaxAttempts(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{statuses: []int{429, 429, 429, 429}}
	client := newTestClient(testConfig(), transport, &recordingPauser{})

	_, err := client.Fetch(context.Background(), Request{Key: "100", URL: "https://example.com/p"})
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, 3, fetchErr.Attempts)
	require.Equal(t, ClassRateLimited, fetchErr.Class)
	require.Equal(t, http.StatusTooManyRequests, fetchErr.StatusCode)
	require.Equal(t, 3, transport.callCount())
}

func TestFetchDoesNotRetryNonRetryableStatus(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{statuses: []int{404}}
	client := newTestClient(testConfig(), transport, &recordingPauser{})

	_, err := client.Fetch(context.Background(), Request{Key: "1", URL: "https://example.com/missing"})
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, ClassHTTP, fetchErr.Class)
	require.Equal(t, 1, transport.callCount())
}

func TestFetchRetriesTransportErrors(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{errs: []error{errors.New("connection reset by peer")}}
	pauser := &recordingPauser{}
	client := newTestClient(testConfig(), transport, pauser)

	_, err := client.Fetch(context.Background(), Request{Key: "1", URL: "https://example.com/p"})
	require.NoError(t, err)
	require.Equal(t, 2, transport.callCount())
	// 2^0s + 1s jitter floor for transport errors.
	require.Equal(t, 1, pauser.count(2*time.Second))
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{}
	client := newTestClient(testConfig(), transport, &recordingPauser{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Fetch(ctx, Request{Key: "1", URL: "https://example.com/p"})

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, ClassCanceled, fetchErr.Class)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPacingWaitsSinceLastDispatch(t *testing.T) {
	t.Parallel()

	frozen := time.Unix(1700000000, 0)
	pauser := &recordingPauser{}
	client := newTestClient(testConfig(), &scriptedTransport{}, pauser, WithNow(func() time.Time { return frozen }))

	for i := 0; i < 3; i++ {
		_, err := client.Fetch(context.Background(), Request{Key: "k", URL: "https://example.com/p"})
		require.NoError(t, err)
	}
	// The first dispatch has nothing to wait for.
	require.Equal(t, 2, pauser.count(time.Second))
	// Every dispatch draws jitter, here pinned to its 200ms floor.
	require.Equal(t, 3, pauser.count(200*time.Millisecond))
}

func TestPeriodicPauseEveryNthDispatch(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PauseEvery = 2
	pauser := &recordingPauser{}
	client := newTestClient(cfg, &scriptedTransport{}, pauser)

	for i := 0; i < 5; i++ {
		_, err := client.Fetch(context.Background(), Request{Key: "k", URL: "https://example.com/p"})
		require.NoError(t, err)
	}
	require.Equal(t, int64(5), client.Dispatched())
	require.Equal(t, 2, pauser.count(3*time.Second))
}

func TestFetchAllKeysResultsByRequestKey(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{byURL: map[string]int{
		"https://example.com/a": 200,
		"https://example.com/b": 404,
		"https://example.com/c": 200,
	}}
	client := newTestClient(testConfig(), transport, &recordingPauser{})

	results := client.FetchAll(context.Background(), []Request{
		{Key: "a", URL: "https://example.com/a"},
		{Key: "b", URL: "https://example.com/b"},
		{Key: "c", URL: "https://example.com/c"},
	})
	require.Len(t, results, 3)
	require.True(t, results["a"].OK())
	require.Equal(t, []byte("a"), results["a"].Response.Body)
	require.False(t, results["b"].OK())
	require.Equal(t, 1, results["b"].Attempts)
	require.True(t, results["c"].OK())
}

func TestFetchAllFetchesRepeatedKeyOnce(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{}
	client := newTestClient(testConfig(), transport, &recordingPauser{})

	results := client.FetchAll(context.Background(), []Request{
		{Key: "a", URL: "https://example.com/first"},
		{Key: "b", URL: "https://example.com/b"},
		{Key: "a", URL: "https://example.com/second"},
	})
	require.Len(t, results, 2)
	require.Equal(t, 2, transport.callCount())
	require.Equal(t, "https://example.com/first", results["a"].URL)
	require.Equal(t, "https://example.com/first", results["a"].Response.URL)
	require.True(t, results["b"].OK())
}

func TestCloseIsIdempotentAndRejectsFetch(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{}
	client := newTestClient(testConfig(), transport, &recordingPauser{})

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.Equal(t, 1, transport.closed)

	_, err := client.Fetch(context.Background(), Request{Key: "1", URL: "https://example.com"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestIdentityRotationSetsUserAgent(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{}
	client := NewClient(testConfig(), transport, zap.NewNop(), WithPauser(&recordingPauser{}))

	for i := 0; i < 4; i++ {
		_, err := client.Fetch(context.Background(), Request{Key: "1", URL: "https://example.com", Profile: ProfileXML})
		require.NoError(t, err)
	}
	for _, h := range transport.headers {
		require.Contains(t, DefaultUserAgents, h.Get("User-Agent"))
		require.Contains(t, h.Get("Accept"), "xml")
		require.Empty(t, h.Get("Accept-Encoding"))
	}
}
