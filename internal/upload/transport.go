package upload

import (
	"context"
	"errors"

	"github.com/wolfeidau/devicelog/internal/codec"
)

// ErrTransport wraps failures returned by a Transport.
var ErrTransport = errors.New("transport failed")

// DeviceInfo identifies the device and build that logs are uploaded for.
type DeviceInfo struct {
	AppID        string `json:"appId"`
	UnionID      string `json:"unionId"`
	AppVersion   string `json:"appVersion"`
	BuildVersion string `json:"buildVersion"`
	DeviceID     string `json:"deviceId"`
	Platform     string `json:"platform"`
	DeviceSerial string `json:"deviceSerial"`
}

// LogFile is a stored day file sent as-is.
type LogFile struct {
	Name string
	// Date is the file's day as yyyy-MM-dd
	Date string
	Data []byte
}

// Transport delivers logs to the remote collector. Timeouts are the
// implementation's concern.
type Transport interface {
	// UploadBatch sends decoded records in one request.
	UploadBatch(ctx context.Context, device DeviceInfo, records []codec.Record) error

	// UploadFile sends a single stored file.
	UploadFile(ctx context.Context, device DeviceInfo, file LogFile) error

	// AcknowledgeUploadComplete tells the collector an inline upload finished.
	AcknowledgeUploadComplete(ctx context.Context, deviceSerial string) error
}

// Files is the read side of the codec.
type Files interface {
	FilterFiles(beginDay, endDay int64) ([]string, error)
	ReadFile(ctx context.Context, path string) ([]codec.Record, int, error)
	ReadRaw(path string) ([]byte, error)
}
