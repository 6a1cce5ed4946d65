package archive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethpandaops/urlanalyzer/pkg/config"
	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is a path-style object store good enough for PutObject and
// GetObject.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()

	f := &fakeS3{
		objects: make(map[string][]byte),
		headers: make(map[string]http.Header),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)

				return
			}

			f.objects[r.URL.Path] = body
			f.headers[r.URL.Path] = r.Header.Clone()

			w.Header().Set("ETag", `"etag"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			body, ok := f.objects[r.URL.Path]
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w,
					`<?xml version="1.0" encoding="UTF-8"?>`+
						`<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)

				return
			}

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	return f, srv
}

func (f *fakeS3) object(path string) ([]byte, http.Header, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, ok := f.objects[path]

	return body, f.headers[path], ok
}

func newTestArchiver(t *testing.T, endpoint, prefix string) *S3Archiver {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	a, err := NewS3Archiver(log, &config.S3Config{
		Enabled:         true,
		EndpointURL:     endpoint,
		Bucket:          "verdicts",
		Prefix:          prefix,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)

	return a
}

func TestVerdictKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{name: "default prefix", prefix: "", want: "urlanalyzer/runs/abc/verdict.json"},
		{name: "custom prefix", prefix: "audit/prod", want: "audit/prod/runs/abc/verdict.json"},
		{name: "slashes trimmed", prefix: "/audit/", want: "audit/runs/abc/verdict.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &S3Archiver{cfg: &config.S3Config{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, a.VerdictKey("abc"))
		})
	}
}

func TestNewS3Archiver_RequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(logrus.New(), &config.S3Config{Enabled: true})
	require.Error(t, err)
}

func TestArchiveVerdict(t *testing.T) {
	fake, srv := newFakeS3(t)
	a := newTestArchiver(t, srv.URL, "audit")
	ctx := context.Background()

	run := &store.Run{
		RunID:  "run-1",
		URL:    "https://example.com/",
		Status: store.RunStatusSucceeded,
	}
	verdict := &pipeline.Verdict{
		URL:            run.URL,
		RiskScore:      2,
		RiskLevel:      pipeline.RiskLow,
		Recommendation: "Safe to proceed",
		Confidence:     pipeline.ConfidenceFull,
	}

	require.NoError(t, a.ArchiveVerdict(ctx, run, verdict))

	body, headers, ok := fake.object("/verdicts/audit/runs/run-1/verdict.json")
	require.True(t, ok)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "low", headers.Get("X-Amz-Meta-Risk-Level"))

	var rec Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, store.RunStatusSucceeded, rec.Status)
	require.NotNil(t, rec.Verdict)
	assert.Equal(t, 2, rec.Verdict.RiskScore)

	fetched, err := a.FetchVerdict(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "Safe to proceed", fetched.Verdict.Recommendation)

	result := fetched.Result()
	assert.Equal(t, "run-1", result.Run.RunID)
	assert.Equal(t, run.URL, result.Run.URL)
	assert.Equal(t, store.RunStatusSucceeded, result.Run.Status)
	assert.Empty(t, result.Run.Stages)
	assert.Equal(t, 2, result.Verdict.RiskScore)
}

func TestFetchVerdict_NotArchived(t *testing.T) {
	_, srv := newFakeS3(t)
	a := newTestArchiver(t, srv.URL, "")

	_, err := a.FetchVerdict(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotArchived)
}

func TestPreflight(t *testing.T) {
	fake, srv := newFakeS3(t)
	a := newTestArchiver(t, srv.URL, "")

	require.NoError(t, a.Preflight(context.Background()))

	body, _, ok := fake.object("/verdicts/urlanalyzer/.write-test")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(string(body), "urlanalyzer write test"))
}

func TestArchiveVerdict_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	a := newTestArchiver(t, srv.URL, "")

	err := a.ArchiveVerdict(context.Background(),
		&store.Run{RunID: "run-1"}, &pipeline.Verdict{RiskLevel: pipeline.RiskLow})
	require.Error(t, err)
}
