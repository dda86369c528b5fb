// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zegevlier/udpdemux/pkg/handler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// startEchoBackend starts a UDP server that echoes every datagram back
// to its sender, optionally prefixed with a marker byte.
func startEchoBackend(t *testing.T, marker byte) *net.UDPConn {
	t.Helper()

	addr, err := net.ResolveUDPAddr("udp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to resolve backend address: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatalf("Failed to create backend listener: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			reply := buf[:n]
			if marker != 0 {
				reply = append([]byte{marker}, buf[:n]...)
			}
			conn.WriteToUDP(reply, addr)
		}
	}()

	return conn
}

// clientWrite records one datagram sent toward a client.
type clientWrite struct {
	data []byte
	addr *net.UDPAddr
}

// recordingWriter is a ClientWriter capturing everything a session
// relays back toward clients.
type recordingWriter struct {
	mu     sync.Mutex
	writes []clientWrite
	ch     chan clientWrite
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{ch: make(chan clientWrite, 64)}
}

func (w *recordingWriter) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	data := make([]byte, len(b))
	copy(data, b)
	cw := clientWrite{data: data, addr: addr}

	w.mu.Lock()
	w.writes = append(w.writes, cw)
	w.mu.Unlock()

	w.ch <- cw
	return len(b), nil
}

func (w *recordingWriter) wait(t *testing.T, timeout time.Duration) clientWrite {
	t.Helper()
	select {
	case cw := <-w.ch:
		return cw
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for a client write")
		return clientWrite{}
	}
}

// eventHandler records session lifecycle callbacks.
type eventHandler struct {
	mu         sync.Mutex
	opened     []string
	closed     []string
	reasons    map[string]string
	closedOnce chan string
}

func newEventHandler() *eventHandler {
	return &eventHandler{
		reasons:    make(map[string]string),
		closedOnce: make(chan string, 64),
	}
}

func (h *eventHandler) OnSessionOpen(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, hctx.SessionID)
	return nil
}

func (h *eventHandler) OnDatagram(ctx context.Context, hctx *handler.Context, dir handler.Direction, size int) error {
	return nil
}

func (h *eventHandler) OnSessionClose(ctx context.Context, hctx *handler.Context, reason string) error {
	h.mu.Lock()
	h.closed = append(h.closed, hctx.SessionID)
	h.reasons[hctx.SessionID] = reason
	h.mu.Unlock()
	h.closedOnce <- hctx.SessionID
	return nil
}

func (h *eventHandler) closeReason(id string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reasons[id]
}

func (h *eventHandler) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.closed)
}

func (h *eventHandler) waitForClose(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case id := <-h.closedOnce:
		return id
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for session close")
		return ""
	}
}

func mustUDPAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("Failed to resolve %s: %v", s, err)
	}
	return addr
}
