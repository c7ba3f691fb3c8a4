package manifest

import (
	"fmt"
	"time"

	pgbakerrors "pgbak/internal/errors"
)

const labelTimeFormat = "20060102-150405"

// NewBackupLabel derives a label from the backup-start time the way
// spec.md §3 and original_source's backup type tests describe: a bare
// timestamp suffixed F for full, or the full backup's label embedded as
// a prefix before a differential/incremental's own timestamp suffixed D
// or I. exists reports whether a candidate label is already taken within
// the stanza; on collision the timestamp advances by one second, failing
// with FormatError if the advanced label still collides. Per spec.md §8,
// at most one second of advance is attempted before giving up.
func NewBackupLabel(backupType BackupType, fullLabel string, start time.Time, exists func(string) bool) (string, error) {
	const maxAdvance = 1

	for attempt := 0; attempt <= maxAdvance; attempt++ {
		t := start.Add(time.Duration(attempt) * time.Second)
		stamp := t.UTC().Format(labelTimeFormat)

		var label string
		switch backupType {
		case BackupTypeFull:
			label = stamp + "F"
		case BackupTypeDiff:
			label = fmt.Sprintf("%s_%sD", fullLabel, stamp)
		case BackupTypeIncr:
			label = fmt.Sprintf("%s_%sI", fullLabel, stamp)
		default:
			return "", &pgbakerrors.AssertError{Message: fmt.Sprintf("unknown backup type %q", backupType)}
		}

		if !exists(label) {
			return label, nil
		}
	}

	return "", &pgbakerrors.FormatError{
		Context: "backup label",
		Err:     fmt.Errorf("label collision persists after advancing start time by %d second(s)", maxAdvance),
	}
}

// FullLabelOf extracts the full backup's label from a differential or
// incremental label, or returns the label unchanged if it is already a
// full backup's label.
func FullLabelOf(label string) string {
	for i := 0; i < len(label); i++ {
		if label[i] == '_' {
			return label[:i]
		}
	}
	return label
}

// TypeOf reports the backup type a label's suffix encodes.
func TypeOf(label string) BackupType {
	if label == "" {
		return ""
	}
	switch label[len(label)-1] {
	case 'F':
		return BackupTypeFull
	case 'D':
		return BackupTypeDiff
	case 'I':
		return BackupTypeIncr
	default:
		return ""
	}
}
