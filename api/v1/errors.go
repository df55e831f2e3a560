package v1

import "errors"

var (
	ErrStartCtx    = errors.New("start request missing in context")
	ErrDeviceID    = errors.New("deviceId is required")
	ErrPath        = errors.New("path is required")
	ErrContentType = errors.New("Content-Type must be application/json")

	errHijack = errors.New("response writer does not support hijacking")
)
