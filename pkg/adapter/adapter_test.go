package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethpandaops/urlanalyzer/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)

	client, err := NewClient(log, &config.CloudflareConfig{
		BaseURL:           srv.URL,
		AccountID:         "acct",
		APIToken:          "token",
		RequestsPerMinute: 60000,
		MaxResponseSize:   "64KB",
	})
	require.NoError(t, err)

	return client
}

func writeEnvelope(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":  true,
		"errors":   []any{},
		"messages": []any{},
		"result":   result,
	})
}

func metadataEvidence(t *testing.T, target, scanUUID string) Evidence {
	t.Helper()

	meta, err := ExtractMetadata(target)
	require.NoError(t, err)

	meta.ScanUUID = scanUUID

	out, err := encode(meta)
	require.NoError(t, err)

	return Evidence{StageMetadata: out}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "permanent", err: Permanentf("bad"), want: KindPermanent},
		{name: "wrapped permanent", err: fmt.Errorf("ctx: %w", Permanentf("bad")), want: KindPermanent},
		{name: "transient", err: Transientf("flaky"), want: KindTransient},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTransient},
		{name: "unknown", err: errors.New("what"), want: KindTransient},
		{name: "status 500", err: statusError("op", 500, ""), want: KindTransient},
		{name: "status 429", err: statusError("op", 429, ""), want: KindTransient},
		{name: "status 400", err: statusError("op", 400, ""), want: KindPermanent},
		{name: "status 403", err: statusError("op", 403, "denied"), want: KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestExtractMetadata(t *testing.T) {
	tests := []struct {
		name   string
		target string
		check  func(t *testing.T, m *MetadataOutput)
	}{
		{
			name:   "plain https",
			target: "https://www.example.co.uk/path",
			check: func(t *testing.T, m *MetadataOutput) {
				assert.Equal(t, "https", m.Scheme)
				assert.Equal(t, "www.example.co.uk", m.Host)
				assert.Equal(t, "example.co.uk", m.RegistrableDomain)
				assert.Equal(t, "co.uk", m.PublicSuffix)
				assert.True(t, m.DefaultPort)
				assert.False(t, m.IsIP)
				assert.False(t, m.IsIDN)
				assert.Equal(t, "/path", m.Path)
			},
		},
		{
			name:   "ip literal with port",
			target: "http://192.168.1.10:8080/",
			check: func(t *testing.T, m *MetadataOutput) {
				assert.True(t, m.IsIP)
				assert.Equal(t, "8080", m.Port)
				assert.False(t, m.DefaultPort)
				assert.Equal(t, "192.168.1.10", m.RegistrableDomain)
			},
		},
		{
			name:   "punycode host",
			target: "https://xn--bcher-kva.example/",
			check: func(t *testing.T, m *MetadataOutput) {
				assert.True(t, m.IsIDN)
				assert.Equal(t, "xn--bcher-kva.example", m.Host)
				assert.Equal(t, "bücher.example", m.UnicodeHost)
			},
		},
		{
			name:   "explicit default port",
			target: "https://example.com:443/",
			check: func(t *testing.T, m *MetadataOutput) {
				assert.True(t, m.DefaultPort)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ExtractMetadata(tt.target)
			require.NoError(t, err)
			tt.check(t, m)
		})
	}

	_, err := ExtractMetadata("https:///nohost")
	require.Error(t, err)
	assert.Equal(t, KindPermanent, Classify(err))
}

func TestMetadataAdapter_SubmitsScan(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/accounts/acct/urlscanner/v2/scan", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://example.com/", body["url"])
		assert.Equal(t, "Unlisted", body["visibility"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"uuid":       "scan-123",
			"api":        "https://api.cloudflare.com/...",
			"visibility": "unlisted",
			"url":        "https://example.com/",
			"message":    "Submission successful",
		})
	})

	out, err := NewMetadataAdapter(client, "Unlisted").Run(context.Background(), "https://example.com/", nil)
	require.NoError(t, err)

	var meta MetadataOutput
	require.NoError(t, Decode(out, &meta))
	assert.Equal(t, "scan-123", meta.ScanUUID)
	assert.Equal(t, "example.com", meta.RegistrableDomain)
}

func TestMetadataAdapter_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{status: http.StatusBadRequest, want: KindPermanent},
		{status: http.StatusUnauthorized, want: KindPermanent},
		{status: http.StatusTooManyRequests, want: KindTransient},
		{status: http.StatusBadGateway, want: KindTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"success":false,"errors":[{"code":1000,"message":"nope"}]}`))
			})

			_, err := NewMetadataAdapter(client, "").Run(context.Background(), "https://example.com/", nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, Classify(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestClient_ResponseTooLarge(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 128*1024))
	})

	_, err := NewMetadataAdapter(client, "").Run(context.Background(), "https://example.com/", nil)
	require.Error(t, err)
	assert.Equal(t, KindPermanent, Classify(err))
	assert.Contains(t, err.Error(), "response exceeds")
}

func TestClient_MalformedBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := NewMetadataAdapter(client, "").Run(context.Background(), "https://example.com/", nil)
	require.Error(t, err)
	assert.Equal(t, KindPermanent, Classify(err))
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	log := logrus.New()
	log.SetOutput(io.Discard)

	client, err := NewClient(log, &config.CloudflareConfig{
		BaseURL:           srv.URL,
		AccountID:         "acct",
		RequestsPerMinute: 60000,
	})
	require.NoError(t, err)

	_, err = NewMetadataAdapter(client, "").Run(context.Background(), "https://example.com/", nil)
	require.Error(t, err)
	assert.Equal(t, KindTransient, Classify(err))
}

func TestScanAdapter(t *testing.T) {
	t.Run("finished scan", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/accounts/acct/urlscanner/v2/result/scan-123", r.URL.Path)

			_, _ = w.Write([]byte(`{
				"task": {"uuid": "scan-123", "status": "Finished", "success": true},
				"page": {"url": "https://example.com/", "domain": "example.com",
					"ip": "93.184.216.34", "country": "US", "status": 200, "title": "Example Domain"},
				"verdicts": {"overall": {"malicious": true, "categories": ["Phishing"]}}
			}`))
		})

		prior := metadataEvidence(t, "https://example.com/", "scan-123")

		out, err := NewScanAdapter(client).Run(context.Background(), "https://example.com/", prior)
		require.NoError(t, err)

		var scan ScanOutput
		require.NoError(t, Decode(out, &scan))
		assert.True(t, scan.Malicious)
		assert.Equal(t, []string{"Phishing"}, scan.Categories)
		assert.Equal(t, "example.com", scan.PageDomain)
		assert.Equal(t, 200, scan.PageStatus)
	})

	t.Run("scan still running is transient", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Scan is not finished yet."}`))
		})

		prior := metadataEvidence(t, "https://example.com/", "scan-123")

		_, err := NewScanAdapter(client).Run(context.Background(), "https://example.com/", prior)
		require.Error(t, err)
		assert.Equal(t, KindTransient, Classify(err))
	})

	t.Run("missing scan uuid is permanent", func(t *testing.T) {
		client := newTestClient(t, func(_ http.ResponseWriter, _ *http.Request) {
			t.Error("no request expected")
		})

		_, err := NewScanAdapter(client).Run(context.Background(), "https://example.com/", Evidence{})
		require.Error(t, err)
		assert.Equal(t, KindPermanent, Classify(err))
	})
}

func TestReputationAdapter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acct/intel/domain", r.URL.Path)
		assert.Equal(t, "example.co.uk", r.URL.Query().Get("domain"))

		writeEnvelope(w, map[string]any{
			"domain":             "example.co.uk",
			"popularity_rank":    1234,
			"risk_types":         []map[string]any{{"id": 32, "name": "Malware"}},
			"content_categories": []map[string]any{{"id": 155, "name": "Technology"}},
		})
	})

	prior := metadataEvidence(t, "https://www.example.co.uk/", "scan-1")

	out, err := NewReputationAdapter(client).Run(context.Background(), "https://www.example.co.uk/", prior)
	require.NoError(t, err)

	var rep ReputationOutput
	require.NoError(t, Decode(out, &rep))
	assert.Equal(t, "example.co.uk", rep.Domain)
	assert.Equal(t, 1234, rep.PopularityRank)
	assert.Equal(t, []string{"Malware"}, rep.RiskTypes)
	assert.Equal(t, []string{"Technology"}, rep.ContentCategories)
}

func TestReputationAdapter_APIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"errors":[{"code":7003,"message":"invalid domain"}],"result":null}`))
	})

	_, err := NewReputationAdapter(client).Run(context.Background(), "https://example.com/", nil)
	require.Error(t, err)
	assert.Equal(t, KindPermanent, Classify(err))
	assert.Contains(t, err.Error(), "invalid domain")
}

func TestAIAdapter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acct/ai/run/@cf/test/model", r.URL.Path)

		var req aiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if !assert.Len(t, req.Messages, 2) {
			return
		}
		assert.Contains(t, req.Messages[1].Content, "https://example.com/")
		assert.Equal(t, 64, req.MaxTokens)

		writeEnvelope(w, map[string]any{
			"response": "```json\n{\"risk_score\": 3, \"summary\": \"Looks fine.\"}\n```",
		})
	})

	out, err := NewAIAdapter(client, "@cf/test/model", 64).
		Run(context.Background(), "https://example.com/", Evidence{"scan": Output{"malicious": false}})
	require.NoError(t, err)

	var ai AIOutput
	require.NoError(t, Decode(out, &ai))
	assert.Equal(t, 3, ai.RiskScore)
	assert.Equal(t, "Looks fine.", ai.Summary)
	assert.Equal(t, "@cf/test/model", ai.Model)
}

func TestParseAIResponse(t *testing.T) {
	tests := []struct {
		name      string
		response  string
		wantScore int
		wantErr   bool
	}{
		{name: "bare json", response: `{"risk_score": 7, "summary": "Suspicious."}`, wantScore: 7},
		{name: "prose around json", response: "Sure! {\"risk_score\": 0, \"summary\": \"ok\"} Hope this helps.", wantScore: 0},
		{name: "no json", response: "I cannot help with that.", wantErr: true},
		{name: "missing score", response: `{"summary": "x"}`, wantErr: true},
		{name: "out of range", response: `{"risk_score": 11}`, wantErr: true},
		{name: "broken json", response: `{"risk_score": }`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ParseAIResponse(tt.response)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindPermanent, Classify(err))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, out.RiskScore)
		})
	}
}

func TestFunc(t *testing.T) {
	var calls int

	a := Func(func(_ context.Context, target string, _ Evidence) (Output, error) {
		calls++

		return Output{"target": target}, nil
	})

	out, err := a.Run(context.Background(), "https://example.com/", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", out["target"])
	assert.Equal(t, 1, calls)
}
