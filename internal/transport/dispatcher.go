package transport

import (
	"context"

	"pgbak/internal/copy"
)

// Dispatcher runs one File Copy Worker job, either in-process or over a
// remote transport — the Parallel Job Orchestrator depends only on this
// interface, never on which scheduling a given worker uses.
type Dispatcher interface {
	BackupFile(ctx context.Context, req copy.Request) (copy.Result, error)
}

// LocalDispatcher runs jobs in-process, for the local-storage case
// where the worker and the repository share a host. No wire protocol
// is involved.
type LocalDispatcher struct {
	Repo copy.Repository
}

func (d *LocalDispatcher) BackupFile(ctx context.Context, req copy.Request) (copy.Result, error) {
	return copy.CopyFile(ctx, d.Repo, req)
}
