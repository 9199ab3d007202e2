package recorder

import (
	"context"
	"io"
	"os"

	"crowsnest/internal/logging"
)

// Completion codes reported by a worker.
const (
	completedOK    = 0
	completedError = 1
)

// chunkSize is how much stream data is read per iteration.
const chunkSize = 1024 * 1024

// worker captures one broadcast to one file.
type worker struct {
	login     string
	path      string
	opts      OpenOptions
	extractor Extractor
	logger    logging.Logger
}

// run copies the stream to disk until it ends or the context is
// cancelled. Returns a completion code: 0 for a natural end of stream,
// 1 for an error. Cancellation is reported through ctx, not the code.
func (w *worker) run(ctx context.Context) int {
	stream, err := w.extractor.Open(ctx, w.opts)
	if err != nil {
		w.logger.WithFields(logging.Fields{
			"channel": w.login,
			"error":   err.Error(),
		}).Error("Failed to open stream")
		return completedError
	}
	defer stream.Close()

	out, err := os.Create(w.path)
	if err != nil {
		w.logger.WithFields(logging.Fields{
			"channel": w.login,
			"path":    w.path,
			"error":   err.Error(),
		}).Error("Failed to create recording file")
		return completedError
	}
	defer out.Close()

	buf := make([]byte, chunkSize)
	var written int64
	for {
		if ctx.Err() != nil {
			w.logger.WithFields(logging.Fields{
				"channel":       w.login,
				"bytes_written": written,
			}).Info("Recording cancelled")
			return completedError
		}

		n, readErr := stream.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				w.logger.WithFields(logging.Fields{
					"channel": w.login,
					"error":   writeErr.Error(),
				}).Error("Failed writing recording data")
				return completedError
			}
			written += int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				w.logger.WithFields(logging.Fields{
					"channel":       w.login,
					"bytes_written": written,
					"path":          w.path,
				}).Info("Recording completed")
				return completedOK
			}
			if ctx.Err() != nil {
				return completedError
			}
			w.logger.WithFields(logging.Fields{
				"channel": w.login,
				"error":   readErr.Error(),
			}).Warn("Stream read failed")
			return completedError
		}
	}
}
