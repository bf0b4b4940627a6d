package rtp

import (
	"errors"
	"fmt"
)

// ChannelErrorCode типизированные коды ошибок медиаканала
type ChannelErrorCode int

const (
	ErrorCodeBindFailed ChannelErrorCode = iota + 2000
	ErrorCodeChannelClosed
	ErrorCodeRemoteInvalid
	ErrorCodeReportFailed
)

func (code ChannelErrorCode) String() string {
	switch code {
	case ErrorCodeBindFailed:
		return "BindFailed"
	case ErrorCodeChannelClosed:
		return "ChannelClosed"
	case ErrorCodeRemoteInvalid:
		return "RemoteInvalid"
	case ErrorCodeReportFailed:
		return "ReportFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// ChannelError ошибка медиаканала с кодом и идентификатором устройства
type ChannelError struct {
	Code     ChannelErrorCode
	DeviceID string
	Message  string
	Wrapped  error
}

func (e *ChannelError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.DeviceID != "" {
		msg += " (device: " + e.DeviceID + ")"
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *ChannelError) Unwrap() error {
	return e.Wrapped
}

// HasCode проверяет код ошибки канала в цепочке
func HasCode(err error, code ChannelErrorCode) bool {
	var chErr *ChannelError
	if errors.As(err, &chErr) {
		return chErr.Code == code
	}
	return false
}

func newChannelError(code ChannelErrorCode, deviceID, message string, wrapped error) *ChannelError {
	return &ChannelError{Code: code, DeviceID: deviceID, Message: message, Wrapped: wrapped}
}
