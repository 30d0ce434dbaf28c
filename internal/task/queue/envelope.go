package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is one pending run. The promoter script builds the first attempt;
// retries are re-encoded here with Attempt incremented.
type envelope struct {
	ID         string `json:"id"`
	Job        string `json:"job"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

func (e envelope) encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeEnvelope(raw string) (envelope, error) {
	var e envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Job == "" {
		return envelope{}, fmt.Errorf("decode envelope: missing job")
	}
	if e.Attempt <= 0 {
		e.Attempt = 1
	}
	return e, nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }
