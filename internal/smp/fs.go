package smp

import (
	"github.com/fxamacker/cbor/v2"
)

// FileReadRequest asks for the chunk of Name starting at Off.
type FileReadRequest struct {
	Name string `cbor:"name"`
	Off  uint64 `cbor:"off"`
}

// FileReadResponse carries one chunk. Len is only present in the response
// to offset zero.
type FileReadResponse struct {
	RC   int       `cbor:"rc,omitempty"`
	Err  *GroupErr `cbor:"err,omitempty"`
	Off  uint64    `cbor:"off"`
	Data []byte    `cbor:"data"`
	Len  *uint64   `cbor:"len,omitempty"`
}

// GroupErr is the error form used by SMP version 2 responses.
type GroupErr struct {
	Group int `cbor:"group"`
	RC    int `cbor:"rc"`
}

// Code returns the response's return code, whichever form carried it.
func (r FileReadResponse) Code() int {
	if r.Err != nil && r.Err.RC != 0 {
		return r.Err.RC
	}
	return r.RC
}

// EncodeReadRequest builds a complete fs read request frame.
func EncodeReadRequest(seq uint8, req FileReadRequest) ([]byte, error) {
	body, err := cbor.Marshal(req)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(Header{Op: OpRead, Group: GroupFS, Seq: seq, ID: IDFile}, body), nil
}

// EncodeReadResponse builds a complete fs read response frame.
func EncodeReadResponse(seq uint8, rsp FileReadResponse) ([]byte, error) {
	body, err := cbor.Marshal(rsp)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(Header{Op: OpReadRsp, Group: GroupFS, Seq: seq, ID: IDFile}, body), nil
}

// DecodeReadRequest parses the body of an fs read request.
func DecodeReadRequest(body []byte) (FileReadRequest, error) {
	var req FileReadRequest
	err := cbor.Unmarshal(body, &req)
	return req, err
}

// DecodeReadResponse parses the body of an fs read response.
func DecodeReadResponse(body []byte) (FileReadResponse, error) {
	var rsp FileReadResponse
	err := cbor.Unmarshal(body, &rsp)
	return rsp, err
}
