package pipeline_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{name: "https", input: "https://example.com", want: "https://example.com/"},
		{name: "http with path", input: "http://example.com/a/b?q=1", want: "http://example.com/a/b?q=1"},
		{name: "uppercase scheme and host", input: "HTTPS://EXAMPLE.com/Path", want: "https://example.com/Path"},
		{name: "fragment dropped", input: "https://example.com/#top", want: "https://example.com/"},
		{name: "surrounding whitespace", input: "  https://example.com  ", want: "https://example.com/"},
		{name: "port kept", input: "https://example.com:8443", want: "https://example.com:8443/"},
		{name: "ftp rejected", input: "ftp://example.com", wantErr: "only http and https"},
		{name: "mailto rejected", input: "mailto:user@example.com", wantErr: "only http and https"},
		{name: "relative rejected", input: "/just/a/path", wantErr: "only http and https"},
		{name: "no host", input: "https://", wantErr: "no host"},
		{name: "opaque", input: "http:example.com", wantErr: "no host"},
		{name: "empty", input: "   ", wantErr: "required"},
		{name: "malformed", input: "http://[::1", wantErr: "malformed"},
		{
			name:    "too long",
			input:   "https://example.com/" + strings.Repeat("a", pipeline.MaxURLLength),
			wantErr: "exceeds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pipeline.ValidateURL(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)

				var validation *pipeline.ValidationError
				require.True(t, errors.As(err, &validation))
				assert.Contains(t, validation.Reason, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateURL_MaxLengthBoundary(t *testing.T) {
	prefix := "https://example.com/"
	exact := prefix + strings.Repeat("a", pipeline.MaxURLLength-len(prefix))

	got, err := pipeline.ValidateURL(exact)
	require.NoError(t, err)
	assert.Len(t, got, pipeline.MaxURLLength)

	_, err = pipeline.ValidateURL(exact + "a")
	require.Error(t, err)
}
