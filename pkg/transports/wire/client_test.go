package wire

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, cfg *Config) *Client {
	t.Helper()
	client, err := NewClient(cfg, nil, zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestClientDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Metadata") != "true" {
			t.Errorf("expected Metadata header, got %q", r.Header.Get("Metadata"))
		}
		if r.Header.Get("User-Agent") != "guestinit" {
			t.Errorf("expected user agent 'guestinit', got %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newTestClient(t, nil)
	resp, err := client.Do(context.Background(), Request{
		Op:     "test.get",
		Method: http.MethodGet,
		URL:    srv.URL,
		Header: http.Header{"Metadata": []string{"true"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("unexpected body %q", resp.Body)
	}
}

func TestClientDoStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	client := newTestClient(t, nil)
	resp, err := client.Do(context.Background(), Request{Op: "test.get", Method: http.MethodGet, URL: srv.URL})
	if err == nil {
		t.Fatal("expected error for 410 response")
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T", err)
	}
	if te.StatusCode != http.StatusGone {
		t.Errorf("expected status 410, got %d", te.StatusCode)
	}
	if resp == nil || resp.StatusCode != http.StatusGone {
		t.Error("expected response to be returned alongside status error")
	}
}

func TestClientDoBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Query().Get("body")))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 8
	client := newTestClient(t, cfg)

	resp, err := client.Do(context.Background(), Request{Op: "test.get", Method: http.MethodGet, URL: srv.URL + "?body=12345678"})
	if err != nil {
		t.Fatalf("body at the limit rejected: %v", err)
	}
	if string(resp.Body) != "12345678" {
		t.Errorf("unexpected body %q", resp.Body)
	}

	_, err = client.Do(context.Background(), Request{Op: "test.get", Method: http.MethodGet, URL: srv.URL + "?body=123456789"})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError for oversized body, got %v", err)
	}
	if !strings.Contains(te.Error(), "exceeds 8 bytes") {
		t.Errorf("unexpected error %q", te.Error())
	}
}

func TestClientDoTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	client := newTestClient(t, cfg)

	start := time.Now()
	_, err := client.Do(context.Background(), Request{Op: "test.slow", Method: http.MethodGet, URL: srv.URL})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("request was not bounded by timeout, took %s", elapsed)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero timeout")
	}
}
