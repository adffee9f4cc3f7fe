// Package transport sends logs to the HTTP log collector.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/devicelog/internal/codec"
	"github.com/wolfeidau/devicelog/internal/upload"
)

const (
	detailPath = "/log/detail"
	filePath   = "/log/file"
	endPath    = "/log/end"

	// maxErrorBody bounds how much of a failed response is kept in the error.
	maxErrorBody = 512
)

// Config holds collector client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration

	// TokenSecret, when set, signs a bearer token for every request
	TokenSecret []byte

	// Compress sends file uploads zstd encoded
	Compress bool
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Minute,
	}
}

// Client implements upload.Transport over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

var _ upload.Transport = (*Client)(nil)

// New creates a collector client. A nil httpClient uses one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
		}
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		now:        time.Now,
	}
}

type detailRequest struct {
	AppID        string         `json:"appId"`
	UnionID      string         `json:"unionId"`
	AppVersion   string         `json:"appVersion"`
	BuildVersion string         `json:"buildVersion"`
	DeviceID     string         `json:"deviceId"`
	DetailList   []codec.Record `json:"detailList"`
}

type endRequest struct {
	DeviceSN string `json:"deviceSn"`
}

// UploadBatch posts decoded records as JSON.
func (c *Client) UploadBatch(ctx context.Context, device upload.DeviceInfo, records []codec.Record) error {
	body, err := json.Marshal(detailRequest{
		AppID:        device.AppID,
		UnionID:      device.UnionID,
		AppVersion:   device.AppVersion,
		BuildVersion: device.BuildVersion,
		DeviceID:     device.DeviceID,
		DetailList:   records,
	})
	if err != nil {
		return fmt.Errorf("failed to encode detail request: %w", err)
	}

	req, err := c.newRequest(ctx, detailPath, bytes.NewReader(body), device)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// UploadFile posts a stored file as multipart form data with the device
// details carried in headers.
func (c *Client) UploadFile(ctx context.Context, device upload.DeviceInfo, file upload.LogFile) error {
	var buf bytes.Buffer

	var out io.Writer = &buf
	var enc *zstd.Encoder
	if c.cfg.Compress {
		var err error
		enc, err = zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("failed to create encoder: %w", err)
		}
		out = enc
	}

	mw := multipart.NewWriter(out)
	part, err := mw.CreateFormFile("file", file.Name)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to close multipart body: %w", err)
	}

	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to finish compression: %w", err)
		}
	}

	req, err := c.newRequest(ctx, filePath, &buf, device)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())
	if enc != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}
	req.Header.Set("appId", device.AppID)
	req.Header.Set("unionId", device.UnionID)
	req.Header.Set("fileDate", file.Date)
	req.Header.Set("deviceId", device.DeviceID)
	req.Header.Set("buildVersion", device.BuildVersion)
	req.Header.Set("appVersion", device.AppVersion)
	req.Header.Set("platform", device.Platform)

	return c.do(req)
}

// AcknowledgeUploadComplete posts the end of an inline upload.
func (c *Client) AcknowledgeUploadComplete(ctx context.Context, deviceSerial string) error {
	body, err := json.Marshal(endRequest{DeviceSN: deviceSerial})
	if err != nil {
		return fmt.Errorf("failed to encode end request: %w", err)
	}

	req, err := c.newRequest(ctx, endPath, bytes.NewReader(body), upload.DeviceInfo{DeviceSerial: deviceSerial, DeviceID: deviceSerial})
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, path string, body io.Reader, device upload.DeviceInfo) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Request-Id", uuid.NewString())

	if len(c.cfg.TokenSecret) > 0 {
		token, err := signDeviceToken(c.cfg.TokenSecret, c.cfg.BaseURL, device.AppID, device.UnionID, device.DeviceID, device.Platform, c.now())
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

func (c *Client) do(req *http.Request) error {
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("request to %s failed: %s: %s", req.URL.Path, resp.Status, strings.TrimSpace(string(msg)))
	}

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	log.Debug().
		Str("path", req.URL.Path).
		Str("request_id", req.Header.Get("X-Request-Id")).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Collector request completed")

	return nil
}
