package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvpforge/internal/domain"
)

func TestDecodeFilesShapes(t *testing.T) {
	want := []domain.GeneratedFile{
		{Path: "public/index.html", Content: "<html></html>"},
		{Path: "src/index.ts", Content: "export default {}"},
	}
	cases := map[string]string{
		"files envelope":  `{"files":[{"path":"public/index.html","content":"<html></html>"},{"path":"src/index.ts","content":"export default {}"}]}`,
		"bare array":      `[{"path":"public/index.html","content":"<html></html>"},{"path":"src/index.ts","content":"export default {}"}]`,
		"result array":    `{"result":[{"path":"public/index.html","content":"<html></html>"},{"path":"src/index.ts","content":"export default {}"}]}`,
		"result object":   `{"result":{"files":[{"path":"public/index.html","content":"<html></html>"},{"path":"src/index.ts","content":"export default {}"}]}}`,
		"alternate names": `[{"filename":"public/index.html","body":"<html></html>"},{"file":"src/index.ts","code":"export default {}"}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeFiles([]byte(body), false)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeFilesMalformed(t *testing.T) {
	for _, body := range []string{
		``,
		`not json`,
		`"just a string"`,
		`{"message":"ok"}`,
		`{"files":[{"content":"x"}]}`,
		`{"files":{"path":"a"}}`,
		`{"files":[{"path":"a.js"}]}`,
	} {
		_, err := DecodeFiles([]byte(body), false)
		require.Error(t, err, body)
		assert.True(t, errors.Is(err, domain.ErrMalformedResponse), "body %q: %v", body, err)
	}
}

func TestDecodeFilesAllowsMissingContent(t *testing.T) {
	got, err := DecodeFiles([]byte(`{"files":[{"path":"public/app.js"}]}`), true)
	require.NoError(t, err)
	assert.Equal(t, []domain.GeneratedFile{{Path: "public/app.js", Content: ""}}, got)
}

type recordedSleeps struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) (*Client, *recordedSleeps) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sleeps := &recordedSleeps{}
	cfg := Config{
		BaseURL:     srv.URL,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffMax:  30 * time.Second,
		Sleep:       sleeps.sleep,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), sleeps
}

var oneFile = []domain.FileSpec{{Path: "public/index.html", Description: "landing page"}}

func TestGenerateSendsRequestBody(t *testing.T) {
	var got wireRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate-batch", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"files":[{"path":"public/index.html","content":"<html></html>"}]}`))
	}, func(c *Config) { c.APIKey = "secret" })

	files, err := client.Generate(context.Background(), BatchRequest{
		Plan:             "a todo app",
		TargetFiles:      oneFile,
		AlreadyGenerated: []domain.GeneratedFile{{Path: "src/index.ts", Content: "export default {}"}},
		Messages:         []domain.Message{{Role: "user", Content: "make it blue"}},
	})
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, "a todo app", got.Plan)
	assert.Equal(t, oneFile, got.TargetFiles)
	assert.Len(t, got.AlreadyGenerated, 1)
	assert.Len(t, got.Messages, 1)
}

func TestGenerateRefusesEmptyBatch(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, nil)
	_, err := client.Generate(context.Background(), BatchRequest{Plan: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPreconditionFailed))
	assert.Zero(t, calls.Load())
}

func TestGenerateRetriesGatewayErrorsUpToCap(t *testing.T) {
	var calls atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}, nil)

	_, err := client.Generate(context.Background(), BatchRequest{TargetFiles: oneFile})
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeps.sleeps)
	var upstream *domain.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusBadGateway, upstream.Status)
	assert.Equal(t, "upstream down", upstream.Body)
}

func TestGenerateRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"path":"public/index.html","content":"<html></html>"}]`))
	}, nil)

	files, err := client.Generate(context.Background(), BatchRequest{TargetFiles: oneFile})
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.EqualValues(t, 2, calls.Load())
	assert.Len(t, sleeps.sleeps, 1)
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(strings.Repeat("x", 1000)))
	}, nil)

	_, err := client.Generate(context.Background(), BatchRequest{TargetFiles: oneFile})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, sleeps.sleeps)
	assert.True(t, errors.Is(err, domain.ErrRequestRejected))
	var upstream *domain.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.LessOrEqual(t, len(upstream.Body), 303)
}

func TestGenerateDoesNotRetryNonGateway5xx(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)
	_, err := client.Generate(context.Background(), BatchRequest{TargetFiles: oneFile})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.False(t, errors.Is(err, domain.ErrRequestRejected))
}

func TestGenerateDoesNotRetryMalformedResponse(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"done"}`))
	}, nil)
	_, err := client.Generate(context.Background(), BatchRequest{TargetFiles: oneFile})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, errors.Is(err, domain.ErrMalformedResponse))
}

func TestGenerateRetriesAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Write([]byte(`{"files":[{"path":"public/index.html","content":"<p>ok</p>"}]}`))
	}, func(c *Config) { c.Timeout = 50 * time.Millisecond })

	files, err := client.Generate(context.Background(), BatchRequest{TargetFiles: oneFile})
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.EqualValues(t, 2, calls.Load())
	assert.Len(t, sleeps.sleeps, 1)
}

func TestGenerateStopsOnCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		cancel()
		<-r.Context().Done()
	}, nil)
	_, err := client.Generate(ctx, BatchRequest{TargetFiles: oneFile})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.EqualValues(t, 1, calls.Load())
}

func TestGenerateFallsBackToLegacyEndpoint(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/generate-batch" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"files":[{"path":"a.js","content":"const a = 1;"}]}`))
	}, nil)

	for i := 0; i < 2; i++ {
		_, err := client.Generate(context.Background(), BatchRequest{TargetFiles: oneFile})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"/generate-batch", "/generate", "/generate"}, paths)
}

func TestBackoffIsCapped(t *testing.T) {
	c := New(Config{BackoffBase: 2 * time.Second, BackoffMax: 5 * time.Second})
	assert.Equal(t, 2*time.Second, c.backoff(1))
	assert.Equal(t, 4*time.Second, c.backoff(2))
	assert.Equal(t, 5*time.Second, c.backoff(3))
	assert.Equal(t, 5*time.Second, c.backoff(10))
}

func TestTrimContextCapsContent(t *testing.T) {
	c := New(Config{MaxContextBytes: 4})
	out := c.trimContext([]domain.GeneratedFile{{Path: "a", Content: "abcdefgh"}})
	assert.Equal(t, "abcd...", out[0].Content)
}
