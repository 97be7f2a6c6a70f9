package run

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.uber.org/zap"
)

func TestRun_StartErrorExitsNonZero(t *testing.T) {
	r := New(zap.NewNop())
	code := r.Run(context.Background(), func(context.Context) error {
		return errors.New("listen failed")
	}, nil)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestRun_ServerClosedIsClean(t *testing.T) {
	r := New(zap.NewNop())
	code := r.Run(context.Background(), func(context.Context) error {
		return http.ErrServerClosed
	}, nil)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

func TestRun_CancelDrainsThroughShutdown(t *testing.T) {
	r := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	stop := make(chan struct{})
	shutdownCalled := false
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	code := r.Run(ctx, func(context.Context) error {
		close(started)
		<-stop
		return http.ErrServerClosed
	}, func(context.Context) error {
		shutdownCalled = true
		close(stop)
		return nil
	})

	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !shutdownCalled {
		t.Fatal("expected shutdown to be called")
	}
}
