package recorder

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"crowsnest/internal/logging"
)

// OpenOptions selects the stream a worker captures.
type OpenOptions struct {
	Login      string
	Resolution string

	// AuthToken is the operator's session cookie, used for ad-free
	// capture. Empty falls back to embedded-ad suppression.
	AuthToken string
}

// Extractor turns a channel into a byte stream of media data. The
// returned reader ends when the broadcast ends.
type Extractor interface {
	Open(ctx context.Context, opts OpenOptions) (io.ReadCloser, error)
}

const (
	streamTimeoutSeconds = 60
	ringbufferSize       = "32M"
)

// StreamlinkExtractor shells out to streamlink and captures its stdout.
type StreamlinkExtractor struct {
	// Binary overrides the executable name, for tests.
	Binary string
	Logger logging.Logger
}

func NewStreamlinkExtractor(logger logging.Logger) *StreamlinkExtractor {
	return &StreamlinkExtractor{Binary: "streamlink", Logger: logger}
}

// Open launches a streamlink process writing the selected quality to
// stdout. Closing the returned reader terminates the process.
func (e *StreamlinkExtractor) Open(ctx context.Context, opts OpenOptions) (io.ReadCloser, error) {
	resolution := opts.Resolution
	if resolution == "" {
		resolution = "best"
	}

	args := []string{
		"--stdout",
		"--stream-timeout", fmt.Sprint(streamTimeoutSeconds),
		"--ringbuffer-size", ringbufferSize,
	}
	if opts.AuthToken != "" {
		args = append(args,
			"--twitch-api-header", "Authorization=OAuth "+opts.AuthToken,
			"--http-cookie", "auth-token="+opts.AuthToken,
		)
	} else {
		args = append(args, "--twitch-disable-ads")
	}
	args = append(args, "https://twitch.tv/"+opts.Login, resolution)

	cmd := exec.CommandContext(ctx, e.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recorder: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("recorder: starting streamlink: %w", err)
	}

	e.Logger.WithFields(logging.Fields{
		"channel":    opts.Login,
		"resolution": resolution,
		"pid":        cmd.Process.Pid,
	}).Info("Stream extractor started")

	return &processReader{ReadCloser: stdout, cmd: cmd}, nil
}

// processReader ties the pipe's lifetime to the subprocess.
type processReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (r *processReader) Close() error {
	r.ReadCloser.Close()
	if r.cmd.Process != nil {
		r.cmd.Process.Signal(syscall.SIGTERM)
	}
	return r.cmd.Wait()
}
