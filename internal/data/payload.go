package data

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Progress is the host-visible progress notification.
type Progress struct {
	CurrentBytes int64 `json:"currentBytes"`
	TotalBytes   int64 `json:"totalBytes"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

// Failure is the host-visible failure notification.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Cancellation is the host-visible cancellation notification.
type Cancellation struct {
	Canceled bool `json:"canceled"`
}

// Completion is the host-visible completion notification.
type Completion struct {
	Data ByteList `json:"data"`
	Size int      `json:"size"`
}

// ByteList encodes as a JSON array of integers in [0,255] rather than base64.
type ByteList []byte

func (b ByteList) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

func (b *ByteList) UnmarshalJSON(raw []byte) error {
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return err
	}
	out := make(ByteList, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte out of range at %d: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Payload converts the event into its host shape.
func (e ProgressEvent) Payload() Progress {
	return Progress{
		CurrentBytes: e.BytesTransferred,
		TotalBytes:   e.TotalBytes,
		Timestamp:    e.ObservedAt.UnixMilli(),
	}
}

func (f FailureInfo) Payload() Failure {
	return Failure{Code: string(f.Kind), Message: f.Message, Stack: f.Diagnostic}
}

func (c CompletionResult) Payload() Completion {
	return Completion{Data: ByteList(c.Bytes), Size: c.SizeInBytes}
}

func (p Progress) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(p) }

func (f Failure) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(f) }

func (c Completion) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(c) }
