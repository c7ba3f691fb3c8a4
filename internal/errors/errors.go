// Package errors defines the typed error kinds the core engine raises.
//
// Callers branch on kind with errors.As rather than string matching, the
// way every other wrapped error in this codebase is meant to be consumed.
package errors

import "fmt"

// FileMissingError reports that a source file disappeared before or during
// a read. Recoverable when the copy request set IgnoreMissing.
type FileMissingError struct {
	Path string
	Err  error
}

func (e *FileMissingError) Error() string {
	return fmt.Sprintf("file missing: %s: %v", e.Path, e.Err)
}

func (e *FileMissingError) Unwrap() error { return e.Err }

// ChecksumError reports that a loaded manifest's integrity checksum did
// not match its content.
type ChecksumError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch in %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// FormatError reports unparseable persisted data (manifest, lock file,
// or subprocess protocol frame).
type FormatError struct {
	Context string
	Err     error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error in %s: %v", e.Context, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// BackupMismatchError reports that the connected cluster's identity
// (version, system identifier) does not match the stanza's recorded
// identity. Always fatal, always pre-StartBackup.
type BackupMismatchError struct {
	Reason string
}

func (e *BackupMismatchError) Error() string {
	return fmt.Sprintf("backup mismatch: %s", e.Reason)
}

// ArchiveTimeoutError reports that the WAL archive did not catch up to
// the backup's stop LSN within the configured timeout.
type ArchiveTimeoutError struct {
	Segment string
	Timeout string
}

func (e *ArchiveTimeoutError) Error() string {
	return fmt.Sprintf("archive check timed out after %s waiting for WAL segment %s", e.Timeout, e.Segment)
}

// PostmasterRunningError reports that an offline backup was refused
// because the cluster is running and --force was not given.
type PostmasterRunningError struct {
	PidFile string
}

func (e *PostmasterRunningError) Error() string {
	return fmt.Sprintf("cluster appears to be running (found %s); use --force to override", e.PidFile)
}

// ProtocolTimeoutError reports that a subprocess RPC stalled past its
// protocol-timeout.
type ProtocolTimeoutError struct {
	Command string
	Timeout string
}

func (e *ProtocolTimeoutError) Error() string {
	return fmt.Sprintf("protocol timeout after %s waiting for %q", e.Timeout, e.Command)
}

// HostConnectError reports that a remote host was unreachable over the
// subprocess transport.
type HostConnectError struct {
	Host string
	Err  error
}

func (e *HostConnectError) Error() string {
	return fmt.Sprintf("unable to connect to host %s: %v", e.Host, e.Err)
}

func (e *HostConnectError) Unwrap() error { return e.Err }

// AssertError reports a violated internal invariant. Always a bug.
type AssertError struct {
	Message string
}

func (e *AssertError) Error() string {
	return fmt.Sprintf("assertion failed: %s", e.Message)
}
