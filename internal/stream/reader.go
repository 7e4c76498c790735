package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"relaybot/internal/domain"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultSettle    = 500 * time.Millisecond
	defaultChunkSize = 4096
)

// Options tunes Read. Zero values select the defaults; a negative Settle disables
// the settle delay.
type Options struct {
	Timeout   time.Duration
	Settle    time.Duration
	ChunkSize int
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Settle == 0 {
		o.Settle = DefaultSettle
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Read decodes body until EOF, a message_end event, the timeout or ctx
// cancellation, whichever comes first. On timeout or cancellation the body is
// closed (best effort) unless the stream already ended, and accumulated text is
// returned as a partial success. An error is returned only when no text was
// accumulated.
func Read(ctx context.Context, body io.ReadCloser, opts Options) (Result, error) {
	opts = opts.withDefaults()
	dec := NewDecoder(opts.Logger)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, opts.ChunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				dec.Write(buf[:n])
			}
			if errors.Is(err, io.EOF) {
				done <- nil
				return
			}
			if err != nil {
				done <- err
				return
			}
		}
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		dec.MarkEnded()
		return finish(ctx, dec, opts, err)

	case <-dec.EndedC():
		// message_end arrived; the backend may keep the connection open, so
		// release it instead of waiting for EOF.
		if err := body.Close(); err != nil {
			opts.Logger.Debug("close ended stream", "err", err)
		}
		return finish(ctx, dec, opts, nil)

	case <-timer.C:
		return abort(dec, body, opts.Logger, fmt.Errorf("%w after %s", domain.ErrStreamTimeout, opts.Timeout))

	case <-ctx.Done():
		return abort(dec, body, opts.Logger, ctx.Err())
	}
}

// finish waits out the settle delay, flushes the tail and builds the result.
func finish(ctx context.Context, dec *Decoder, opts Options, err error) (Result, error) {
	if opts.Settle > 0 {
		select {
		case <-time.After(opts.Settle):
		case <-ctx.Done():
		}
	}
	dec.Flush()
	res := dec.Result()
	if err != nil {
		if res.Text != "" {
			opts.Logger.Warn("stream read failed after partial answer", "err", err, "text_len", len(res.Text))
			return res, nil
		}
		return res, fmt.Errorf("%w: stream read: %w", domain.ErrProvider, err)
	}
	return res, nil
}

func abort(dec *Decoder, body io.Closer, logger *slog.Logger, cause error) (Result, error) {
	if !dec.Ended() {
		if err := body.Close(); err != nil {
			logger.Warn("cancel stream reader failed", "err", err)
		}
	}
	res := dec.Result()
	res.TimedOut = true
	if res.Text != "" {
		logger.Warn("stream interrupted, returning partial answer",
			"cause", cause,
			"text_len", len(res.Text),
			"last_chunk", dec.LastChunkTime(),
		)
		return res, nil
	}
	return res, cause
}
