package codec

import (
	"encoding/json"
	"fmt"
)

// Record is the line record persisted for every log entry.
//
//	{"c":"Log content","f":101,"l":1642212807054,"n":"log-thread","i":188,"m":false}
type Record struct {
	Content    string `json:"c"`
	Type       int    `json:"f"`
	Time       int64  `json:"l"`
	ThreadName string `json:"n"`
	ThreadID   int64  `json:"i"`
	MainThread bool   `json:"m"`
}

func marshalRecord(rec Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return payload, nil
}

func unmarshalRecord(payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return rec, nil
}
