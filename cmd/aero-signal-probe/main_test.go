package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/signaling"
)

func startRelay(t *testing.T) string {
	t.Helper()
	ws := signaling.NewWebSocketServer(signaling.WebSocketConfig{})
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", ws)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = ws.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func TestRunListsOnlineUsers(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	other, err := client.Dial(ctx, url, client.Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer other.Close()
	if _, err := other.Login(ctx, "alice"); err != nil {
		t.Fatalf("login alice: %v", err)
	}

	var out bytes.Buffer
	if err := run(ctx, &out, url, "probe", false, 2*time.Second, 1, slog.New(slog.DiscardHandler)); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, signaling.DefaultGreeting) {
		t.Fatalf("output missing greeting: %q", got)
	}
	if !strings.Contains(got, "alice") {
		t.Fatalf("output missing online user: %q", got)
	}
}

func TestRunFailsOnTakenName(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	other, err := client.Dial(ctx, url, client.Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer other.Close()
	if _, err := other.Login(ctx, "probe"); err != nil {
		t.Fatalf("login: %v", err)
	}

	var out bytes.Buffer
	err = run(ctx, &out, url, "probe", false, 2*time.Second, 1, slog.New(slog.DiscardHandler))
	if err == nil || !strings.Contains(err.Error(), "name unavailable") {
		t.Fatalf("run err=%v, want name unavailable", err)
	}
}
