package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSub struct {
	mu       sync.Mutex
	fail     bool
	channels []string
	streams  []chan []byte
}

func (f *fakeSub) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("bus down")
	}
	ch := make(chan []byte, 16)
	f.channels = append(f.channels, channel)
	f.streams = append(f.streams, ch)
	return ch, nil
}

// streamFor looks a pump channel up by pattern; pump start order is not
// deterministic across goroutines.
func (f *fakeSub) streamFor(t *testing.T, pattern string) chan []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ch := range f.channels {
		if ch == pattern {
			return f.streams[i]
		}
	}
	t.Fatalf("no stream for pattern %q", pattern)
	return nil
}

func (f *fakeSub) waitStreams(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		have := len(f.streams)
		f.mu.Unlock()
		if have >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d subscriptions", n)
}

func (f *fakeSub) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.streams {
		close(ch)
	}
	f.streams = nil
}

func waitFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
}

func TestServiceArchivesAllPatterns(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSub{}
	svc := NewService(sub, NewWriter(dir, 1), []string{"binance:*", "kraken:*"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	sub.waitStreams(t, 2)
	sub.streamFor(t, "binance:*") <- record("binance:perp:btcusdt:aggTrade", day1TS)
	sub.streamFor(t, "kraken:*") <- record("kraken:spot:BTC/USD:trade", day1TS)

	waitFile(t, filepath.Join(dir, "binance", "perp", "aggTrade", "btcusdt", day1Name))
	waitFile(t, filepath.Join(dir, "kraken", "spot", "trade", "BTC/USD", day1Name))

	cancel()
	sub.closeAll()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestServiceFlushesOnShutdown(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSub{}
	writer := NewWriter(dir, 50)
	svc := NewService(sub, writer, []string{"binance:*"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	sub.waitStreams(t, 1)
	sub.streamFor(t, "binance:*") <- record("binance:perp:btcusdt:aggTrade", day1TS)

	path := filepath.Join(dir, "binance", "perp", "aggTrade", "btcusdt", day1Name)
	// The record sits in a partial batch until shutdown flushes it.
	time.Sleep(100 * time.Millisecond)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file exists before shutdown flush: %v", err)
	}

	cancel()
	sub.closeAll()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	waitFile(t, path)
}

func TestServiceMalformedRecordSkipped(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSub{}
	svc := NewService(sub, NewWriter(dir, 1), []string{"binance:*"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	sub.waitStreams(t, 1)
	sub.streamFor(t, "binance:*") <- []byte(`{not json`)
	sub.streamFor(t, "binance:*") <- record("binance:perp:btcusdt:aggTrade", day1TS)

	waitFile(t, filepath.Join(dir, "binance", "perp", "aggTrade", "btcusdt", day1Name))

	cancel()
	sub.closeAll()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestServiceSubscribeFailure(t *testing.T) {
	sub := &fakeSub{fail: true}
	svc := NewService(sub, NewWriter(t.TempDir(), 1), []string{"binance:*"})

	err := svc.Run(context.Background())
	if err == nil {
		t.Fatal("want error when subscribe fails")
	}
}
