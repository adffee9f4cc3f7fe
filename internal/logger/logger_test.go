package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_Level(t *testing.T) {
	var buf bytes.Buffer

	logger := setup(&buf, false)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Info().Str("component", "codec").Msg("visible")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "visible", line["message"])
	assert.Equal(t, "codec", line["component"])
	assert.Contains(t, line, "time")
	assert.Contains(t, line, "caller")

	assert.Equal(t, zerolog.DebugLevel, setup(&buf, true).GetLevel())
}

func TestCollectorRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/log/end" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	var buf bytes.Buffer
	client := &http.Client{Transport: NewCollectorRequests(zerolog.New(&buf), nil)}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/log/detail", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "req-1")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "/log/detail", line["path"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.EqualValues(t, 200, line["status"])

	buf.Reset()
	resp, err = client.Post(srv.URL+"/log/end", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.EqualValues(t, 502, line["status"])
}
