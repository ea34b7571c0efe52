package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewSafeClientTimeout(t *testing.T) {
	guard := NewSSRFGuard()
	client := guard.NewSafeClient(5 * time.Second)
	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want %v", client.Timeout, 5*time.Second)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Error("expected custom Transport")
	}
}

// TestNewSafeClientBlocksLoopback はhttptestサーバー（127.0.0.1）への接続が拒否されることを検証する。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard().NewSafeClient(5 * time.Second)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

func TestValidateURL(t *testing.T) {
	guard := NewSSRFGuard()

	tests := []struct {
		url     string
		wantErr bool
	}{
		{url: "https://images.example.com/index/", wantErr: false},
		{url: "http://cdn.example.org/batch-01/", wantErr: false},
		{url: "", wantErr: true},
		{url: "not-a-url", wantErr: true},
		{url: "ftp://example.com/images/", wantErr: true},
		{url: "file:///etc/passwd", wantErr: true},
		{url: "http://localhost/images/", wantErr: true},
		{url: "http://127.0.0.1/images/", wantErr: true},
		{url: "http://10.1.2.3/images/", wantErr: true},
		{url: "http://192.168.0.10/images/", wantErr: true},
		{url: "http://169.254.169.254/latest/meta-data/", wantErr: true},
		{url: "http://[::1]/images/", wantErr: true},
		{url: "http://0.0.0.0/images/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
