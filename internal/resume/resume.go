// Package resume implements the Resume Analyzer: it decides whether a
// prior, interrupted backup attempt can be resumed, and if so, which of
// its repository artifacts are still trustworthy enough to keep.
//
// Grounded on spec.md §4.3's decision table and per-artifact
// classification rules.
package resume

import (
	"pgbak/internal/manifest"
)

// RepoEntry is one file or directory found by listing a resumable
// backup's repository directory directly, independent of what the saved
// manifest claims is there.
type RepoEntry struct {
	Name        string // manifest-relative name, e.g. "pg_data/base/1/1.gz"
	IsDir       bool
	IsRegular   bool
	Size        int64
	CompressExt string // file extension implied by the active compression, or ""
}

// Options carries the settings the decision table compares between the
// plan and the saved attempt.
type Options struct {
	ResumeEnabled bool
	EngineVersion string
	CompressType  string
	CipherType    string
}

// Decision is the Resume Analyzer's output: whether resume is accepted,
// and if so, the set of artifacts classified as safe to reuse.
type Decision struct {
	Accepted       bool
	RejectReason   string
	Survivors      []Artifact
	EnableDelta    bool // forced on when a timestamp mismatch was found
}

// Artifact is one repository entry that survived classification and will
// be linked into the plan's manifest with its saved checksum.
type Artifact struct {
	Name     string
	Checksum string
	Size     int64
}

// Analyze compares plan (the new backup's initial manifest) against
// saved (the resumable attempt's persisted manifest) and repoFiles (what
// is actually sitting in that attempt's repository directory right now).
func Analyze(plan, saved *manifest.Manifest, repoFiles []RepoEntry, opts Options, engineVersion string) Decision {
	if !opts.ResumeEnabled {
		return Decision{Accepted: false, RejectReason: "resume disabled by option"}
	}
	if saved == nil {
		return Decision{Accepted: false, RejectReason: "saved manifest missing or unreadable"}
	}
	if engineVersion != opts.EngineVersion {
		return Decision{Accepted: false, RejectReason: "engine version mismatch"}
	}
	if saved.Backup.PriorLabel != plan.Backup.PriorLabel {
		return Decision{Accepted: false, RejectReason: "prior-label mismatch"}
	}
	if saved.Option.CompressType != opts.CompressType {
		return Decision{Accepted: false, RejectReason: "compression type mismatch"}
	}
	if saved.Option.CipherType != opts.CipherType {
		return Decision{Accepted: false, RejectReason: "cipher type mismatch"}
	}
	if saved.Backup.Type != plan.Backup.Type {
		// An in-progress full backup can never satisfy an incremental plan:
		// the incremental needs the full's completed reference chain, which
		// a partial full does not yet have.
		return Decision{Accepted: false, RejectReason: "backup type mismatch"}
	}

	decision := Decision{Accepted: true}

	planPaths := make(map[string]bool)
	for _, p := range plan.PathList() {
		planPaths[p.Name] = true
	}

	for _, entry := range repoFiles {
		if entry.IsDir {
			if !planPaths[entry.Name] {
				// Stale or no-longer-needed path; directories are cheap to
				// regenerate so nothing is kept from a removed one.
				continue
			}
			continue
		}
		if !entry.IsRegular {
			continue
		}

		baseName := stripCompressExt(entry.Name, entry.CompressExt)

		savedFile, err := saved.Find(baseName)
		if err != nil {
			continue // not in the saved manifest at all: aborted-run garbage
		}
		if savedFile.HasReference() {
			continue // lives in the prior backup; no point resuming a copy
		}
		if savedFile.Checksum == "" {
			continue // never completed
		}

		planFile, err := plan.Find(baseName)
		if err != nil {
			continue // absent from the new plan: stale garbage
		}

		if entry.CompressExt != "" && entry.CompressExt != compressExtOf(opts.CompressType) {
			continue // mismatched compression-type extension
		}
		if planFile.Size == 0 {
			continue // zero-size files are always remade
		}
		if planFile.Size != savedFile.Size {
			continue
		}
		if planFile.Timestamp != savedFile.Timestamp {
			// Timestamp mismatch is not itself disqualifying, but it means
			// the file may have changed without changing size; fall back to
			// delta-checksum verification for the whole backup.
			decision.EnableDelta = true
			continue
		}

		decision.Survivors = append(decision.Survivors, Artifact{
			Name:     baseName,
			Checksum: savedFile.Checksum,
			Size:     savedFile.Size,
		})
	}

	return decision
}

func stripCompressExt(name, ext string) string {
	if ext == "" || len(name) <= len(ext) {
		return name
	}
	if name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}
	return name
}

func compressExtOf(compressType string) string {
	switch compressType {
	case "gz":
		return ".gz"
	case "zst":
		return ".zst"
	default:
		return ""
	}
}
