// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	mberrors "github.com/absmach/mbridge/pkg/errors"
)

func TestClient_SendPostsPayload(t *testing.T) {
	var got []byte
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == DefaultInPath {
			got, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
			return
		}
		// Stall the stream GET so it does not interfere.
		<-r.Context().Done()
	}))
	defer remote.Close()

	c := NewClient(ClientConfig{BaseURL: remote.URL, Logger: testLogger()})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	if err := c.Send([]byte("payload")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Errorf("remote received %q, want \"payload\"", got)
	}
}

func TestClient_SendNon2xxFails(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		<-r.Context().Done()
	}))
	defer remote.Close()

	c := NewClient(ClientConfig{BaseURL: remote.URL, Logger: testLogger()})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	if err := c.Send([]byte("x")); !errors.Is(err, mberrors.ErrSendFailed) {
		t.Errorf("Send() error = %v, want ErrSendFailed", err)
	}
}

func TestClient_SendBeforeStart(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://localhost:1", Logger: testLogger()})
	if err := c.Send([]byte("x")); !errors.Is(err, mberrors.ErrNotStarted) {
		t.Errorf("Send() error = %v, want ErrNotStarted", err)
	}
}

func TestClient_StreamChunksOnNewline(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultOutPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("first\n"))
		w.Write([]byte("second\n"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer remote.Close()

	c := NewClient(ClientConfig{BaseURL: remote.URL, Logger: testLogger()})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	for _, want := range []string{"first\n", "second\n"} {
		select {
		case got := <-c.Receive():
			if string(got) != want {
				t.Errorf("received %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestClient_StreamChunksOnThreshold(t *testing.T) {
	big := bytes.Repeat([]byte{'x'}, chunkThreshold)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(big)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer remote.Close()

	c := NewClient(ClientConfig{BaseURL: remote.URL, Logger: testLogger()})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	select {
	case got := <-c.Receive():
		if len(got) != chunkThreshold {
			t.Errorf("chunk length = %d, want %d", len(got), chunkThreshold)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for threshold chunk")
	}
}

func TestClient_StreamRetriesUntilAvailable(t *testing.T) {
	var attempts atomic.Int32
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer remote.Close()

	c := NewClient(ClientConfig{
		BaseURL:       remote.URL,
		RetryInterval: 20 * time.Millisecond,
		Logger:        testLogger(),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	select {
	case got := <-c.Receive():
		if string(got) != "ready\n" {
			t.Errorf("received %q, want \"ready\\n\"", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream never recovered")
	}
	if n := attempts.Load(); n < 3 {
		t.Errorf("attempts = %d, want at least 3", n)
	}
}

func TestClient_StopClosesReceive(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer remote.Close()

	c := NewClient(ClientConfig{BaseURL: remote.URL, Logger: testLogger()})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case _, ok := <-c.Receive():
		if ok {
			t.Error("unexpected message after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive() channel not closed after Stop")
	}
}
