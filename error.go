// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mxverify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Common error codes from https://spec.matrix.org/v1.9/client-server-api/#api-standards
//
// Can be used with errors.Is() to check the response code without casting the error:
//
//	err := client.Sync()
//	if errors.Is(err, MUnknownToken) {
//		// logout
//	}
var (
	MForbidden     = RespError{ErrCode: "M_FORBIDDEN", StatusCode: http.StatusForbidden}
	MUnknownToken  = RespError{ErrCode: "M_UNKNOWN_TOKEN", StatusCode: http.StatusUnauthorized}
	MMissingToken  = RespError{ErrCode: "M_MISSING_TOKEN", StatusCode: http.StatusUnauthorized}
	MBadJSON       = RespError{ErrCode: "M_BAD_JSON", StatusCode: http.StatusBadRequest}
	MNotJSON       = RespError{ErrCode: "M_NOT_JSON", StatusCode: http.StatusBadRequest}
	MNotFound      = RespError{ErrCode: "M_NOT_FOUND", StatusCode: http.StatusNotFound}
	MLimitExceeded = RespError{ErrCode: "M_LIMIT_EXCEEDED", StatusCode: http.StatusTooManyRequests}
	MUnrecognized  = RespError{ErrCode: "M_UNRECOGNIZED", StatusCode: http.StatusNotFound}
	MUnknown       = RespError{ErrCode: "M_UNKNOWN", StatusCode: http.StatusInternalServerError}
)

// ErrNoEncryptor is returned by SendEncryptedToDeviceEvent when the client
// has no Encryptor.
var ErrNoEncryptor = errors.New("client has no encryptor")

// HTTPError An HTTP Error response, which may wrap an underlying native Go Error.
type HTTPError struct {
	Request      *http.Request
	Response     *http.Response
	ResponseBody string

	WrappedError error
	RespError    *RespError
	Message      string
}

func (e HTTPError) Is(err error) bool {
	return (e.RespError != nil && errors.Is(e.RespError, err)) || (e.WrappedError != nil && errors.Is(e.WrappedError, err))
}

func (e HTTPError) IsStatus(code int) bool {
	return e.Response != nil && e.Response.StatusCode == code
}

func (e HTTPError) Error() string {
	if e.WrappedError != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.WrappedError)
	} else if e.RespError != nil {
		return fmt.Sprintf("failed to %s %s: %s (HTTP %d): %s", e.Request.Method, e.Request.URL.Path,
			e.RespError.ErrCode, e.Response.StatusCode, e.RespError.Err)
	} else {
		msg := fmt.Sprintf("failed to %s %s: HTTP %d", e.Request.Method, e.Request.URL.Path, e.Response.StatusCode)
		if len(e.ResponseBody) > 0 {
			msg = fmt.Sprintf("%s (%s)", msg, e.ResponseBody)
		}
		return msg
	}
}

func (e HTTPError) Unwrap() error {
	if e.WrappedError != nil {
		return e.WrappedError
	} else if e.RespError != nil {
		return *e.RespError
	}
	return nil
}

// RespError is the standard JSON error response from Homeservers. It also implements the Golang "error" interface.
// See https://spec.matrix.org/v1.2/client-server-api/#api-standards
type RespError struct {
	ErrCode    string
	Err        string
	ExtraData  map[string]any
	StatusCode int
}

func (e *RespError) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &e.ExtraData); err != nil {
		return err
	}
	e.ErrCode, _ = e.ExtraData["errcode"].(string)
	e.Err, _ = e.ExtraData["error"].(string)
	return nil
}

func (e *RespError) MarshalJSON() ([]byte, error) {
	data := make(map[string]any, len(e.ExtraData)+2)
	for key, value := range e.ExtraData {
		data[key] = value
	}
	data["errcode"] = e.ErrCode
	data["error"] = e.Err
	return json.Marshal(data)
}

// Error returns the errcode and error message.
func (e RespError) Error() string {
	return e.ErrCode + ": " + e.Err
}

func (e RespError) Is(err error) bool {
	e2, ok := err.(RespError)
	if !ok {
		return false
	}
	if e.ErrCode == "M_UNKNOWN" && e2.ErrCode == "M_UNKNOWN" {
		return e.Err == e2.Err
	}
	return e2.ErrCode == e.ErrCode
}

// WithMessage returns a copy of the error with the given message, for use in
// server-side responses.
func (e RespError) WithMessage(msg string, args ...any) RespError {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	e.Err = msg
	return e
}

// Write writes the error as a JSON response with the error's status code.
func (e RespError) Write(w http.ResponseWriter) {
	statusCode := e.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}
	data, _ := e.MarshalJSON()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}
