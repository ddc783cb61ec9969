package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"dgate/core"
)

func TestFullURL(t *testing.T) {
	c := NewWithBase("https://example.com")

	tests := []struct {
		name string
		path string
		want string
	}{
		{
			name: "bare path joins the api prefix",
			path: "users/@me",
			want: "https://example.com/api/v9/users/@me",
		},
		{
			name: "leading slash joins the origin",
			path: "/health",
			want: "https://example.com/health",
		},
		{
			name: "absolute url passes through",
			path: "https://cdn.example.com/asset.png",
			want: "https://cdn.example.com/asset.png",
		},
		{
			name: "empty path is the origin root",
			path: "",
			want: "https://example.com/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, c.FullURL(tt.path))
		})
	}
}

func TestDoInjectsAuthAndBody(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewWithBase(srv.URL)
	defer c.Close()
	c.SetToken("tok\nen") // newlines are stripped before the wire

	resp, err := c.Do(context.Background(), "auth/login", Options{
		Method: "post",
		Body:   map[string]string{"email": "a@b.c"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(resp))

	require.Equal(t, "token", gotAuth)
	require.Contains(t, gotContentType, "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &body))
	require.Equal(t, "a@b.c", body["email"])
}

func TestDoNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"Missing Access"}`))
	}))
	defer srv.Close()

	c := NewWithBase(srv.URL)
	defer c.Close()

	_, err := c.Do(context.Background(), "guilds/1/members", Options{})
	require.Error(t, err)

	transportErr, ok := core.IsTransportError(err)
	require.True(t, ok, "expected TransportError, got %v", err)
	require.Equal(t, http.StatusForbidden, transportErr.Status)
	require.Contains(t, string(transportErr.Body), "Missing Access")
}

func TestDoContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewWithBase(srv.URL)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, "users/@me", Options{})
	require.Error(t, err)
}
