package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/devicelog/internal/codec"
	"github.com/wolfeidau/devicelog/internal/upload"
)

var testDevice = upload.DeviceInfo{
	AppID:        "app-1",
	UnionID:      "SN0001",
	AppVersion:   "1.2.0",
	BuildVersion: "120",
	DeviceID:     "device-1",
	Platform:     "1",
	DeviceSerial: "SN0001",
}

func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL + "/"
	return New(cfg, nil)
}

func TestClient_UploadBatch(t *testing.T) {
	var got detailRequest
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, detailPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))

		_, err := uuid.Parse(r.Header.Get("X-Request-Id"))
		assert.NoError(t, err)

		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	records := []codec.Record{
		{Content: "hello", Type: 101, Time: 1700000000000, ThreadName: "main", ThreadID: 1, MainThread: true},
	}
	require.NoError(t, client.UploadBatch(context.Background(), testDevice, records))

	assert.Equal(t, "app-1", got.AppID)
	assert.Equal(t, "SN0001", got.UnionID)
	assert.Equal(t, "1.2.0", got.AppVersion)
	assert.Equal(t, "120", got.BuildVersion)
	assert.Equal(t, "device-1", got.DeviceID)
	assert.Equal(t, records, got.DetailList)
}

func TestClient_UploadBatchWireShape(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	})

	records := []codec.Record{{Content: "x", Type: 102, Time: 5, ThreadName: "t", ThreadID: 9}}
	require.NoError(t, client.UploadBatch(context.Background(), testDevice, records))

	list, ok := body["detailList"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)

	entry := list[0].(map[string]any)
	assert.Equal(t, "x", entry["c"])
	assert.EqualValues(t, 102, entry["f"])
	assert.EqualValues(t, 5, entry["l"])
	assert.Equal(t, "t", entry["n"])
	assert.EqualValues(t, 9, entry["i"])
	assert.Equal(t, false, entry["m"])
}

func TestClient_UploadFile(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
	}{
		{name: "plain"},
		{name: "zstd", compress: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				gotName string
				gotData []byte
				headers http.Header
			)

			client := newTestClient(t, Config{Compress: tt.compress}, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, filePath, r.URL.Path)
				headers = r.Header.Clone()

				if r.Header.Get("Content-Encoding") == "zstd" {
					dec, err := zstd.NewReader(r.Body)
					if !assert.NoError(t, err) {
						return
					}
					defer dec.Close()
					r.Body = io.NopCloser(dec)
				}

				f, fh, err := r.FormFile("file")
				if !assert.NoError(t, err) {
					return
				}
				defer f.Close()

				gotName = fh.Filename
				gotData, err = io.ReadAll(f)
				assert.NoError(t, err)
			})

			file := upload.LogFile{Name: "1773097200000", Date: "2026-03-10", Data: []byte("encrypted bytes")}
			require.NoError(t, client.UploadFile(context.Background(), testDevice, file))

			assert.Equal(t, file.Name, gotName)
			assert.Equal(t, file.Data, gotData)
			assert.Equal(t, "2026-03-10", headers.Get("fileDate"))
			assert.Equal(t, "app-1", headers.Get("appId"))
			assert.Equal(t, "SN0001", headers.Get("unionId"))
			assert.Equal(t, "device-1", headers.Get("deviceId"))
			assert.Equal(t, "120", headers.Get("buildVersion"))
			assert.Equal(t, "1.2.0", headers.Get("appVersion"))
			assert.Equal(t, "1", headers.Get("platform"))

			if tt.compress {
				assert.Equal(t, "zstd", headers.Get("Content-Encoding"))
			} else {
				assert.Empty(t, headers.Get("Content-Encoding"))
			}
		})
	}
}

func TestClient_AcknowledgeUploadComplete(t *testing.T) {
	var got endRequest
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, endPath, r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.AcknowledgeUploadComplete(context.Background(), "SN0001"))
	assert.Equal(t, "SN0001", got.DeviceSN)
}

func TestClient_ErrorStatus(t *testing.T) {
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collector unavailable", http.StatusServiceUnavailable)
	})

	err := client.AcknowledgeUploadComplete(context.Background(), "SN0001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "collector unavailable")
}

func TestClient_ContextCancelled(t *testing.T) {
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.UploadBatch(ctx, testDevice, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClient_BearerToken(t *testing.T) {
	secret := []byte("collector-shared-secret")

	var auth string
	client := newTestClient(t, Config{TokenSecret: secret}, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	})
	now := time.Now()
	client.now = func() time.Time { return now }

	require.NoError(t, client.UploadBatch(context.Background(), testDevice, nil))
	require.True(t, strings.HasPrefix(auth, "Bearer "))

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, Issuer, claims.Issuer)
	assert.Equal(t, "device-1", claims.Subject)
	assert.Equal(t, "app-1", claims.AppID)
	assert.Equal(t, "SN0001", claims.UnionID)
	assert.Equal(t, now.Add(TokenExpiry).Unix(), claims.ExpiresAt.Unix())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Minute, cfg.Timeout)

	client := New(Config{BaseURL: "http://collector.local/"}, nil)
	assert.Equal(t, "http://collector.local", client.cfg.BaseURL)
	assert.Equal(t, 10*time.Minute, client.httpClient.Timeout)
}
