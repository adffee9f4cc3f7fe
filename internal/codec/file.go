package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/minio/crc64nvme"
)

const (
	// Log file format constants
	fileMagic   = "DLOGv001"
	fileVersion = uint32(1)
	headerSize  = 16 // 8 bytes magic + 4 bytes version + 4 bytes reserved

	// Frame format: length(4) + timestamp(8) + ciphertext(N) + crc(8)
	frameOverhead  = 20
	maxFrameLength = 4 * 1024 * 1024
)

// frame is one encoded record as stored on disk.
type frame struct {
	timestamp  int64
	ciphertext []byte
	raw        []byte
}

// header builds the file header.
func header() []byte {
	h := make([]byte, headerSize)

	// Magic number (8 bytes)
	copy(h[0:8], fileMagic)

	// Version (4 bytes)
	binary.LittleEndian.PutUint32(h[8:12], fileVersion)

	// Reserved (4 bytes)
	binary.LittleEndian.PutUint32(h[12:16], 0)

	return h
}

// readHeader validates the header at the current position of r.
func readHeader(r io.Reader) error {
	h := make([]byte, headerSize)
	if _, err := io.ReadFull(r, h); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}

	if magic := string(h[0:8]); magic != fileMagic {
		return fmt.Errorf("%w: invalid magic %q", ErrCorruptRecord, magic)
	}

	if version := binary.LittleEndian.Uint32(h[8:12]); version != fileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, version)
	}

	return nil
}

// buildFrame constructs a binary frame with CRC64 over everything but the
// length and CRC fields.
func buildFrame(timestamp int64, ciphertext []byte) []byte {
	//nolint:gosec // len(ciphertext) is bounded by maxFrameLength
	totalLength := uint32(frameOverhead + len(ciphertext))
	buf := new(bytes.Buffer)
	buf.Grow(int(totalLength))

	// binary.Write to bytes.Buffer never errors
	_ = binary.Write(buf, binary.LittleEndian, totalLength)
	_ = binary.Write(buf, binary.LittleEndian, timestamp)
	buf.Write(ciphertext)

	crc := computeCRC64(buf.Bytes()[4:])
	_ = binary.Write(buf, binary.LittleEndian, crc)

	return buf.Bytes()
}

// computeCRC64 computes CRC64-NVME checksum
func computeCRC64(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}

// errTruncated marks a frame cut short by the end of the file, usually a
// write that was still in progress or interrupted by a crash.
var errTruncated = errors.New("truncated frame")

// errBadLength marks a length field that cannot be trusted; nothing after it
// can be located.
var errBadLength = errors.New("invalid frame length")

// readFrame reads the next frame from r. It returns io.EOF at a clean end of
// input, errTruncated or errBadLength when reading cannot continue, and
// ErrCorruptRecord for a frame whose checksum fails but whose successor can
// still be read.
func readFrame(r io.Reader) (*frame, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errTruncated
	}

	if length < frameOverhead || length > maxFrameLength {
		return nil, fmt.Errorf("%w: %d", errBadLength, length)
	}

	raw := make([]byte, length)
	binary.LittleEndian.PutUint32(raw[0:4], length)
	if _, err := io.ReadFull(r, raw[4:]); err != nil {
		return nil, errTruncated
	}

	storedCRC := binary.LittleEndian.Uint64(raw[len(raw)-8:])
	computedCRC := computeCRC64(raw[4 : len(raw)-8])
	if storedCRC != computedCRC {
		return nil, fmt.Errorf("%w: CRC64 mismatch stored=%x computed=%x", ErrCorruptRecord, storedCRC, computedCRC)
	}

	//nolint:gosec // timestamps are positive epoch millis
	return &frame{
		timestamp:  int64(binary.LittleEndian.Uint64(raw[4:12])),
		ciphertext: raw[12 : len(raw)-8],
		raw:        raw,
	}, nil
}

// createFile creates (or resets) a log file and writes its header.
func createFile(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := f.Write(header()); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to write header: %w", err)
	}

	return f, headerSize, nil
}
