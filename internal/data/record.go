package data

import (
	"encoding/json"
	"io"
	"time"
)

// Record is the persisted history entry of one download attempt.
type Record struct {
	ID             string      `json:"id"`
	DeviceID       string      `json:"deviceId"`
	Path           string      `json:"path"`
	Fingerprint    string      `json:"-"`
	State          State       `json:"state"`
	Size           int         `json:"size,omitempty"`
	Checksum       string      `json:"checksum,omitempty"`
	FailureCode    FailureKind `json:"failureCode,omitempty"`
	FailureMessage string      `json:"failureMessage,omitempty"`
	StartedAt      time.Time   `json:"startedAt"`
	FinishedAt     *time.Time  `json:"finishedAt,omitempty"`
}

type Records []*Record

func (r *Records) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(r) }

func (r *Record) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(r) }

func (r *Record) FromJSON(rd io.Reader) error { return json.NewDecoder(rd).Decode(r) }

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Clone returns a deep copy of the list.
func (rs Records) Clone() Records {
	out := make(Records, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}
