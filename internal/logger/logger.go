package logger

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	return setup(os.Stderr, dev)
}

func setup(out io.Writer, dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(out).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

var _ http.RoundTripper = (*CollectorRequests)(nil)

// CollectorRequests logs every request made to the log collector.
type CollectorRequests struct {
	logger zerolog.Logger
	next   http.RoundTripper
}

func NewCollectorRequests(logger zerolog.Logger, next http.RoundTripper) *CollectorRequests {
	if next == nil {
		next = http.DefaultTransport
	}
	return &CollectorRequests{logger: logger, next: next}
}

func (c *CollectorRequests) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()

	logger := c.logger.With().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("request_id", req.Header.Get("X-Request-Id")).
		Logger()

	resp, err := c.next.RoundTrip(req)
	if err != nil {
		logger.Error().
			Err(err).
			Dur("duration", time.Since(started)).
			Msg("collector request")

		return resp, err
	}

	ev := logger.Info()
	if resp.StatusCode >= http.StatusBadRequest {
		ev = logger.Warn()
	}
	ev.Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("collector request")

	return resp, nil
}
