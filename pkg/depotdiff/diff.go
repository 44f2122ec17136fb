// Package depotdiff computes file-level change sets between the recorded
// state of a depot and a newly retrieved manifest.
//
// Compute is a pure function: it never touches storage. The resulting
// ChangeSet carries both the record mutations (updates, deletions,
// insertions) and the history rows that describe them, in the order they
// must be written to the audit trail:
//
//  1. modifications (modified, modified_flags), in manifest order
//  2. removals, ordered by path
//  3. additions, in manifest order (suppressed on first ingest)
package depotdiff

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/3leaps/depotwatch/pkg/depot"
)

// ZeroHash is the sentinel content hash for directories and entries that
// carry no digest. Its width matches a hex-encoded SHA-1.
const ZeroHash = "0000000000000000000000000000000000000000"

// FileState is the recorded state of one file in a depot.
//
// ID is the storage surrogate key; it is zero for files that have not been
// persisted yet.
type FileState struct {
	ID    int64
	Path  string
	Hash  string
	Size  uint64
	Flags depot.FileFlags
}

// Change is one history row produced by a diff.
type Change struct {
	Path     string
	Action   depot.Action
	OldValue uint64
	NewValue uint64
}

// ChangeSet is the outcome of comparing a depot's recorded files to a new
// manifest.
//
// Updated, Removed and Added are disjoint: a path is either matched and
// updated, or unmatched and removed, or new and added.
type ChangeSet struct {
	// Updated holds matched files whose size, hash, or flags changed. Each
	// entry carries the existing record ID and the new values.
	Updated []FileState

	// Removed holds previously recorded files absent from the manifest.
	Removed []FileState

	// Added holds manifest files with no recorded counterpart.
	Added []FileState

	// Modifications holds modified and modified_flags history rows.
	Modifications []Change

	// HistorizeAdditions is false when the depot had no recorded files,
	// which suppresses the added-history flood on first ingest.
	HistorizeAdditions bool

	// Unchanged counts matched files that needed no update.
	Unchanged int
}

// Empty reports whether applying the change set would mutate anything.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Updated) == 0 && len(cs.Removed) == 0 && len(cs.Added) == 0
}

// History returns every history row of the change set in audit order:
// modifications, then removals, then additions.
func (cs *ChangeSet) History() []Change {
	out := make([]Change, 0, len(cs.Modifications)+len(cs.Removed)+len(cs.Added))
	out = append(out, cs.Modifications...)
	out = append(out, cs.RemovalHistory()...)
	out = append(out, cs.AdditionHistory()...)
	return out
}

// RemovalHistory returns one removed row per deleted path.
func (cs *ChangeSet) RemovalHistory() []Change {
	out := make([]Change, 0, len(cs.Removed))
	for _, f := range cs.Removed {
		out = append(out, Change{Path: f.Path, Action: depot.ActionRemoved, OldValue: f.Size})
	}
	return out
}

// AdditionHistory returns one added row per inserted path, or nothing when
// additions are not historized.
func (cs *ChangeSet) AdditionHistory() []Change {
	if !cs.HistorizeAdditions {
		return nil
	}
	out := make([]Change, 0, len(cs.Added))
	for _, f := range cs.Added {
		out = append(out, Change{Path: f.Path, Action: depot.ActionAdded, NewValue: f.Size})
	}
	return out
}

// Normalize converts a manifest entry into its recorded form.
func Normalize(f depot.ManifestFile) FileState {
	return FileState{
		Path:  NormalizePath(f.Path),
		Hash:  HashOf(f),
		Size:  f.Size,
		Flags: f.Flags,
	}
}

// NormalizePath converts path separators to forward slashes.
func NormalizePath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// HashOf returns the lowercase hex digest of a manifest entry, or ZeroHash
// for directories and entries without a digest.
func HashOf(f depot.ManifestFile) string {
	if f.Flags.Has(depot.FlagDirectory) || isZeroDigest(f.Digest) {
		return ZeroHash
	}
	return hex.EncodeToString(f.Digest)
}

func isZeroDigest(d []byte) bool {
	for _, b := range d {
		if b != 0 {
			return false
		}
	}
	return true
}

// Compute diffs the recorded files of a depot (keyed by normalized path)
// against the files of a newly retrieved manifest.
//
// The old map is not modified.
func Compute(old map[string]FileState, files []depot.ManifestFile) *ChangeSet {
	cs := &ChangeSet{HistorizeAdditions: len(old) > 0}

	remaining := make(map[string]FileState, len(old))
	for p, f := range old {
		remaining[p] = f
	}

	seen := make(map[string]struct{}, len(files))
	for _, mf := range files {
		next := Normalize(mf)

		// Duplicate paths in one manifest collapse onto the first entry.
		if _, dup := seen[next.Path]; dup {
			continue
		}
		seen[next.Path] = struct{}{}

		prev, ok := remaining[next.Path]
		if !ok {
			cs.Added = append(cs.Added, next)
			continue
		}
		delete(remaining, next.Path)

		changed := false
		if prev.Size != next.Size || prev.Hash != next.Hash {
			cs.Modifications = append(cs.Modifications, Change{
				Path:     next.Path,
				Action:   depot.ActionModified,
				OldValue: prev.Size,
				NewValue: next.Size,
			})
			changed = true
		}
		if prev.Flags != next.Flags {
			cs.Modifications = append(cs.Modifications, Change{
				Path:     next.Path,
				Action:   depot.ActionModifiedFlags,
				OldValue: uint64(prev.Flags),
				NewValue: uint64(next.Flags),
			})
			changed = true
		}

		if changed {
			next.ID = prev.ID
			cs.Updated = append(cs.Updated, next)
		} else {
			cs.Unchanged++
		}
	}

	if len(remaining) > 0 {
		cs.Removed = make([]FileState, 0, len(remaining))
		for _, f := range remaining {
			cs.Removed = append(cs.Removed, f)
		}
		sort.Slice(cs.Removed, func(i, j int) bool {
			return cs.Removed[i].Path < cs.Removed[j].Path
		})
	}

	return cs
}
