// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeps() Deps {
	return Deps{Logger: zerolog.Nop()}
}

func TestManager_ShutdownHooksRunInLIFOOrder(t *testing.T) {
	m, err := NewManager(Config{ShutdownTimeout: 2 * time.Second}, testDeps())
	require.NoError(t, err)

	var order []string
	m.RegisterShutdownHook("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	m.RegisterShutdownHook("second", func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	// Give Start a moment to mark itself started before cancelling.
	time.Sleep(10 * time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestManager_ShutdownBeforeStartReturnsError(t *testing.T) {
	m, err := NewManager(Config{}, testDeps())
	require.NoError(t, err)

	err = m.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrManagerNotStarted)
}

func TestManager_CollectsHookErrors(t *testing.T) {
	m, err := NewManager(Config{ShutdownTimeout: 2 * time.Second}, testDeps())
	require.NoError(t, err)

	boom := assertErr("boom")
	m.RegisterShutdownHook("failing", func(ctx context.Context) error {
		return boom
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err = <-done
	require.Error(t, err)
}

func TestManager_AdminServerServesHandler(t *testing.T) {
	handlerCalled := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case handlerCalled <- struct{}{}:
		default:
		}
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m, err := NewManager(Config{AdminListenAddr: addr, AdminHandler: mux, ShutdownTimeout: 2 * time.Second}, testDeps())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, getErr := http.Get("http://" + addr + "/healthz")
		if getErr != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-handlerCalled:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertErr(msg string) error { return simpleError(msg) }
