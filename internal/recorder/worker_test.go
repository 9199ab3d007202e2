package recorder

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// chunkedExtractor serves a fixed payload then an outcome error.
type chunkedExtractor struct {
	payload []byte
	errAt   error
}

func (e chunkedExtractor) Open(context.Context, OpenOptions) (io.ReadCloser, error) {
	return io.NopCloser(&chunkedReader{data: e.payload, errAt: e.errAt}), nil
}

type chunkedReader struct {
	data  []byte
	errAt error
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		if r.errAt != nil {
			return 0, r.errAt
		}
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

type failingExtractor struct{}

func (failingExtractor) Open(context.Context, OpenOptions) (io.ReadCloser, error) {
	return nil, errors.New("no playable streams found")
}

func TestWorkerWritesStreamToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	payload := []byte("ts-segment-data")
	w := &worker{
		login:     "streamer",
		path:      path,
		extractor: chunkedExtractor{payload: payload},
		logger:    testLogger(),
	}

	if code := w.run(context.Background()); code != completedOK {
		t.Fatalf("expected clean completion, got code %d", code)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("recording file missing: %v", err)
	}
	if string(raw) != string(payload) {
		t.Fatalf("recording content mismatch: %q", raw)
	}
}

func TestWorkerReportsStreamError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	w := &worker{
		login:     "streamer",
		path:      path,
		extractor: chunkedExtractor{payload: []byte("partial"), errAt: errors.New("connection reset")},
		logger:    testLogger(),
	}

	if code := w.run(context.Background()); code != completedError {
		t.Fatalf("expected error completion, got code %d", code)
	}

	// Data read before the failure stays on disk.
	raw, err := os.ReadFile(path)
	if err != nil || string(raw) != "partial" {
		t.Fatalf("partial data not preserved: %v %q", err, raw)
	}
}

func TestWorkerReportsOpenFailure(t *testing.T) {
	w := &worker{
		login:     "streamer",
		path:      filepath.Join(t.TempDir(), "out.mp4"),
		extractor: failingExtractor{},
		logger:    testLogger(),
	}
	if code := w.run(context.Background()); code != completedError {
		t.Fatalf("expected error completion, got code %d", code)
	}
}

func TestWorkerStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &worker{
		login:     "streamer",
		path:      filepath.Join(t.TempDir(), "out.mp4"),
		extractor: chunkedExtractor{payload: []byte("data")},
		logger:    testLogger(),
	}
	if code := w.run(ctx); code != completedError {
		t.Fatalf("expected error code on cancellation, got %d", code)
	}
}
