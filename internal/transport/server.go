package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"

	"pgbak/internal/copy"
)

// Serve runs the remote worker side of the protocol: it reads one
// backupFile command per line from r, resolves the request's
// source-name against dataDir, runs copy.CopyFile against repo, and
// writes one response line to w. It returns when r is exhausted
// (io.EOF) or ctx is cancelled.
func Serve(ctx context.Context, w io.Writer, r io.Reader, dataDir string, repo copy.Repository) error {
	reader := bufio.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wireReq, err := readLine[WireRequest](reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		req, err := decodeRequest(wireReq)
		if err != nil {
			if writeErr := writeLine(w, errorResponse(err)); writeErr != nil {
				return writeErr
			}
			continue
		}
		req.SourcePath = filepath.Join(dataDir, req.SourceName)

		res, err := copy.CopyFile(ctx, repo, req)
		if err != nil {
			slog.Error("remote worker job failed", "source", req.SourceName, "error", err)
			if writeErr := writeLine(w, errorResponse(err)); writeErr != nil {
				return writeErr
			}
			continue
		}

		if err := writeLine(w, encodeSuccess(res)); err != nil {
			return err
		}
	}
}

func errorResponse(err error) WireError {
	code, message := errorCodeFor(err)
	return WireError{Err: code, Message: message}
}
