// Package orchestrator implements the Parallel Job Orchestrator: a
// fixed-size worker pool that dispatches File Copy Worker jobs to local
// or remote workers, applies their results to a manifest in received
// order, and periodically persists the in-progress manifest so a later
// run's Resume Analyzer has something to work with.
//
// Grounded on spec.md §4.5 and the teacher's processPartsWithWorkerPool
// in internal/backup/backup.go: the same fixed worker-count task-channel
// pool and mutex-protected shared state (Run itself has no per-item
// skip-if-already-done check), generalized from one flat part-index list to directory-grouped,
// largest-first job ordering and from a single shared backend to a set
// of per-worker transport.Dispatchers (local in-process or remote over
// the subprocess protocol).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"

	"pgbak/internal/copy"
	"pgbak/internal/manifest"
	"pgbak/internal/pgpage"
	"pgbak/internal/transport"
)

// Job is one unit of orchestrator work: a File Copy Worker request plus
// the manifest-relative name its result is recorded against (normally
// equal to Request.SourceName, but distinct when a file is copied under
// a different repository name than its source name).
type Job struct {
	Request      copy.Request
	ManifestName string
}

// Pool configures the worker pool a Run call drives.
type Pool struct {
	// Dispatchers is one entry per worker slot. Each may be a
	// transport.LocalDispatcher (in-process) or a transport.Client bound
	// to a remote subprocess over SSH — the orchestrator does not care
	// which.
	Dispatchers []transport.Dispatcher

	// SaveThreshold is how many applied results trigger a Save call; 0
	// disables periodic saves (Run still saves once at the end via Save,
	// if set).
	SaveThreshold int

	// Save persists the in-progress manifest to the repository copy
	// file. May be nil, in which case no periodic or final save happens
	// and the caller is responsible for persisting the manifest itself.
	Save func(*manifest.Manifest) error
}

// Run dispatches every job in jobs across pool's workers, applies each
// result to m as it is received (manifest mutations are single
// threaded, per spec.md §5), and returns the first worker error
// encountered. On error, Run cancels remaining in-flight jobs
// best-effort and drains before returning — workers still complete
// their current file, per spec.md §4.5's cooperative, file-boundary-only
// cancellation.
func Run(ctx context.Context, m *manifest.Manifest, jobs []Job, pool Pool) error {
	if len(jobs) == 0 {
		return nil
	}

	workers := len(pool.Dispatchers)
	if workers < 1 {
		return fmt.Errorf("orchestrator: no worker dispatchers configured")
	}

	ordered := orderJobs(jobs)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobChan := make(chan Job, len(ordered))
	for _, j := range ordered {
		jobChan <- j
	}
	close(jobChan)

	type outcome struct {
		job Job
		res copy.Result
		err error
	}
	resultChan := make(chan outcome, len(ordered))

	locks := newPathLockSet()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		dispatcher := pool.Dispatchers[i]
		wg.Add(1)
		go func(d transport.Dispatcher) {
			defer wg.Done()
			for job := range jobChan {
				if ctx.Err() != nil {
					resultChan <- outcome{job: job, err: ctx.Err()}
					continue
				}

				key := repoPathKey(job.Request)
				locks.Lock(key)
				res, err := d.BackupFile(ctx, job.Request)
				locks.Unlock(key)

				resultChan <- outcome{job: job, res: res, err: err}
				if err != nil {
					cancel()
				}
			}
		}(dispatcher)
	}

	var firstErr error
	applied := 0
	for range ordered {
		o := <-resultChan
		if o.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("copying %s: %w", o.job.ManifestName, o.err)
			}
			continue
		}

		if err := applyResult(m, o.job, o.res); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		applied++
		if pool.SaveThreshold > 0 && pool.Save != nil && applied%pool.SaveThreshold == 0 {
			if err := pool.Save(m); err != nil {
				slog.Error("periodic manifest save failed", "error", err)
			}
		}
	}

	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	if pool.Save != nil {
		return pool.Save(m)
	}
	return nil
}

// applyResult records one job's copy.Result onto its manifest file
// entry. A Skipped outcome (ignore-missing source) leaves the entry
// untouched — the controller's manifest still names the file, but with
// no checksum, marking it as never actually copied.
func applyResult(m *manifest.Manifest, job Job, res copy.Result) error {
	if res.Outcome == copy.Skipped {
		return nil
	}

	f, err := m.Find(job.ManifestName)
	if err != nil {
		return err
	}

	f.Checksum = res.Checksum
	f.RepoSize = res.RepoSize
	if res.Size > 0 {
		f.Size = res.Size
	}
	if res.PageResult != nil {
		f.PageChecksum = pageChecksumFromResult(res.PageResult)
	}

	m.AddFile(*f)
	return nil
}

func pageChecksumFromResult(r *pgpage.Result) *manifest.PageChecksumResult {
	return &manifest.PageChecksumResult{
		Valid:    r.Valid,
		Align:    r.Align,
		BadPages: r.BadPages,
	}
}

// orderJobs implements spec.md §4.5's simple dispatch policy: files
// grouped by containing directory, largest first within the group.
// Groups are themselves ordered by first appearance in jobs, so a
// caller that already walked the cluster in a sensible order (as
// internal/manifest's WalkCluster does) keeps that directory order.
func orderJobs(jobs []Job) []Job {
	groupOrder := make([]string, 0)
	groups := make(map[string][]Job)

	for _, j := range jobs {
		dir := path.Dir(j.ManifestName)
		if _, ok := groups[dir]; !ok {
			groupOrder = append(groupOrder, dir)
		}
		groups[dir] = append(groups[dir], j)
	}

	ordered := make([]Job, 0, len(jobs))
	for _, dir := range groupOrder {
		group := groups[dir]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Request.ExpectedSize > group[j].Request.ExpectedSize
		})
		ordered = append(ordered, group...)
	}
	return ordered
}

// repoPathKey identifies the repository object a job writes to, for the
// at-most-one-worker-per-repository-path rule.
func repoPathKey(req copy.Request) string {
	name := req.RepoName
	if name == "" {
		name = req.SourceName
	}
	return req.Label + "/" + name
}

// pathLockSet serializes access per repository path without requiring
// every job to pre-declare the full set of paths up front.
type pathLockSet struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLockSet() *pathLockSet {
	return &pathLockSet{locks: make(map[string]*sync.Mutex)}
}

func (p *pathLockSet) Lock(key string) {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	p.mu.Unlock()
	l.Lock()
}

func (p *pathLockSet) Unlock(key string) {
	p.mu.Lock()
	l := p.locks[key]
	p.mu.Unlock()
	l.Unlock()
}
