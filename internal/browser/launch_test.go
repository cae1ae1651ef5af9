package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmock/internal/config"
)

func TestHTTPBase(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ws://127.0.0.1:37421/devtools/browser/7f1c", "http://127.0.0.1:37421", false},
		{"wss://remote.example.com/devtools/browser/x", "https://remote.example.com", false},
		{"http://localhost:9222", "http://localhost:9222", false},
		{"ftp://host/x", "", true},
		{"/devtools/browser/x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := HTTPBase(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStartWithoutLaunch(t *testing.T) {
	b, err := Start(context.Background(), config.DevToolsConfig{URL: "http://127.0.0.1:9222"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9222", b.DevToolsURL)
	b.Close()

	var nilBrowser *Browser
	nilBrowser.Close()
}
