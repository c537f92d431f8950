package systemd

import (
	"context"
	"testing"
	"time"
)

func TestNotifyOutsideSystemdIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("Ready() = %v, %v, want false, nil", sent, err)
	}
	if sent, err := Stopping(); sent || err != nil {
		t.Fatalf("Stopping() = %v, %v, want false, nil", sent, err)
	}
	if d := WatchdogInterval(); d != 0 {
		t.Fatalf("WatchdogInterval() = %v, want 0", d)
	}
}

func TestWatchdogReturnsOnCancel(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watchdog(ctx, 20*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watchdog() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Watchdog did not return after cancel")
	}
}
