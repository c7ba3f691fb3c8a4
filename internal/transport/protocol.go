// Package transport implements the newline-delimited JSON request/response
// protocol a remote File Copy Worker subprocess speaks, per spec.md §6,
// plus the local and SSH-tunneled dispatchers that drive it.
//
// One command per line: a request is `{"cmd":"backupFile","param":[...]}`
// with the positional parameters of spec.md §4.4 (plus, as a trailing
// extension, the segment-offsetting fields internal/pgpage needs); a
// response is `{"out":[resultTag,copySize,repoSize,checksum,pageResult]}`
// on success or `{"err":<code>,"message":"..."}` on failure.
package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"pgbak/internal/copy"
	pgbakerrors "pgbak/internal/errors"
	"pgbak/internal/pgpage"
)

const cmdBackupFile = "backupFile"

// Error codes carried in a WireError's Err field, mapped back to this
// codebase's typed errors on the client side.
const (
	ErrCodeFileMissing = 1
	ErrCodeFormat      = 2
	ErrCodeAssert      = 3
	ErrCodeOther       = 99
)

// WireRequest is one line of the request stream.
type WireRequest struct {
	Cmd   string        `json:"cmd"`
	Param []interface{} `json:"param"`
}

// WireSuccess is a successful response line.
type WireSuccess struct {
	Out []interface{} `json:"out"`
}

// WireError is a failed response line.
type WireError struct {
	Err     int    `json:"err"`
	Message string `json:"message"`
}

// wireResponse is used only for decoding: exactly one of Out/Err is set.
type wireResponse struct {
	Out []interface{} `json:"out,omitempty"`
	Err *int          `json:"err,omitempty"`
	Msg string        `json:"message,omitempty"`
}

// encodeRequest builds the positional parameter list for a backupFile
// command from a copy.Request. sourcePath is omitted — per spec.md §6
// the wire request carries source-name only; the worker resolves it
// against whatever cluster directory it was started against.
func encodeRequest(req copy.Request) WireRequest {
	return WireRequest{
		Cmd: cmdBackupFile,
		Param: []interface{}{
			req.SourceName,
			req.IgnoreMissing,
			req.ExpectedSize,
			req.CopyExactSize,
			req.ExpectedChecksum,
			req.CheckPages,
			req.PageLSNLimit,
			req.RepoName,
			req.HasReference,
			req.CompressType,
			req.CompressLevel,
			req.Label,
			req.Delta,
			req.CipherType,
			req.CipherPass,
			req.SegmentNo,
			req.SegmentPageTotal,
		},
	}
}

// decodeRequest is the server-side inverse of encodeRequest. The returned
// request's SourcePath is empty; the server sets it by joining SourceName
// against its own cluster data directory.
func decodeRequest(w WireRequest) (copy.Request, error) {
	if w.Cmd != cmdBackupFile {
		return copy.Request{}, &pgbakerrors.FormatError{Context: "transport request", Err: fmt.Errorf("unknown command %q", w.Cmd)}
	}
	if len(w.Param) < 17 {
		return copy.Request{}, &pgbakerrors.FormatError{Context: "transport request", Err: fmt.Errorf("expected 17 parameters, got %d", len(w.Param))}
	}

	get := func(i int) interface{} { return w.Param[i] }

	req := copy.Request{
		SourceName:       asString(get(0)),
		IgnoreMissing:    asBool(get(1)),
		ExpectedSize:     asInt64(get(2)),
		CopyExactSize:    asBool(get(3)),
		ExpectedChecksum: asString(get(4)),
		CheckPages:       asBool(get(5)),
		PageLSNLimit:     asUint64(get(6)),
		RepoName:         asString(get(7)),
		HasReference:     asBool(get(8)),
		CompressType:     asString(get(9)),
		CompressLevel:    int(asInt64(get(10))),
		Label:            asString(get(11)),
		Delta:            asBool(get(12)),
		CipherType:       asString(get(13)),
		CipherPass:       asString(get(14)),
		SegmentNo:        uint32(asUint64(get(15))),
		SegmentPageTotal: uint32(asUint64(get(16))),
	}
	return req, nil
}

func encodeSuccess(res copy.Result) WireSuccess {
	var pageResult interface{}
	if res.PageResult != nil {
		pageResult = res.PageResult
	}
	return WireSuccess{Out: []interface{}{string(res.Outcome), res.Size, res.RepoSize, res.Checksum, pageResult}}
}

func decodeSuccess(w WireSuccess) (copy.Result, error) {
	if len(w.Out) < 5 {
		return copy.Result{}, &pgbakerrors.FormatError{Context: "transport response", Err: fmt.Errorf("expected 5 result fields, got %d", len(w.Out))}
	}
	res := copy.Result{
		Outcome:  copy.Outcome(asString(w.Out[0])),
		Size:     asInt64(w.Out[1]),
		RepoSize: asInt64(w.Out[2]),
		Checksum: asString(w.Out[3]),
	}
	if w.Out[4] != nil {
		raw, err := json.Marshal(w.Out[4])
		if err != nil {
			return copy.Result{}, &pgbakerrors.FormatError{Context: "transport response page result", Err: err}
		}
		var pr pgpage.Result
		if err := json.Unmarshal(raw, &pr); err != nil {
			return copy.Result{}, &pgbakerrors.FormatError{Context: "transport response page result", Err: err}
		}
		res.PageResult = &pr
	}
	return res, nil
}

func errorCodeFor(err error) (int, string) {
	switch {
	case errorAs[*pgbakerrors.FileMissingError](err):
		return ErrCodeFileMissing, err.Error()
	case errorAs[*pgbakerrors.FormatError](err):
		return ErrCodeFormat, err.Error()
	case errorAs[*pgbakerrors.AssertError](err):
		return ErrCodeAssert, err.Error()
	default:
		return ErrCodeOther, err.Error()
	}
}

// errorFromCode reconstructs a typed error from a wire error code on the
// client side, falling back to a plain error for unrecognized codes.
func errorFromCode(code int, message string) error {
	switch code {
	case ErrCodeFileMissing:
		return &pgbakerrors.FileMissingError{Path: message, Err: errors.New(message)}
	case ErrCodeFormat:
		return &pgbakerrors.FormatError{Context: "remote worker", Err: errors.New(message)}
	case ErrCodeAssert:
		return &pgbakerrors.AssertError{Message: message}
	default:
		return fmt.Errorf("remote worker: %s", message)
	}
}

// writeLine marshals v as one line of newline-delimited JSON.
func writeLine(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// readLine reads exactly one line and decodes it as T.
func readLine[T any](r *bufio.Reader) (T, error) {
	var zero T
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return zero, err
	}
	var v T
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		return zero, &pgbakerrors.FormatError{Context: "transport line", Err: err}
	}
	return v, nil
}
