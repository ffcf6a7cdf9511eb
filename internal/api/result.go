package api

import (
	"encoding/json"
	"fmt"
)

// Code classifies an endpoint result.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidArg
	CodeNotFound
	CodeNoPermission
	CodeAuth
	CodeBusy
	CodeTimeout
	CodeNoMem
	CodeInternal
	CodeNotSupported
	CodeHardware
)

var codeNames = map[Code]string{
	CodeOK:           "OK",
	CodeInvalidArg:   "INVALID_ARG",
	CodeNotFound:     "NOT_FOUND",
	CodeNoPermission: "NO_PERMISSION",
	CodeAuth:         "AUTH",
	CodeBusy:         "BUSY",
	CodeTimeout:      "TIMEOUT",
	CodeNoMem:        "NO_MEM",
	CodeInternal:     "INTERNAL",
	CodeNotSupported: "NOT_SUPPORTED",
	CodeHardware:     "HARDWARE",
}

// String returns the wire name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Result is the envelope every endpoint returns.
type Result struct {
	Code    Code
	Message string
	Data    any
}

// OK wraps a successful payload.
func OK(data any) Result {
	return Result{Code: CodeOK, Data: data}
}

// Error builds a failed result.
func Error(code Code, format string, args ...any) Result {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}
}

// resultJSON is the wire form of a Result.
type resultJSON struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// MarshalJSON renders {"success":bool,"code":"OK",...}.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Success: r.Code == CodeOK,
		Code:    r.Code.String(),
		Message: r.Message,
		Data:    r.Data,
	})
}
