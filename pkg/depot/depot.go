// Package depot defines the shared domain types for depot change tracking:
// manifest file entries, file flags, and history actions.
//
// A depot is a versioned, named collection of files distributed as a unit.
// Each published version of a depot is described by a manifest that lists
// every file with its path, size, content digest, and flags.
package depot

import "time"

// FileFlags is the bitset carried by each manifest entry.
type FileFlags uint32

const (
	FlagUserConfig          FileFlags = 1 << 0
	FlagVersionedUserConfig FileFlags = 1 << 1
	FlagEncrypted           FileFlags = 1 << 2
	FlagReadOnly            FileFlags = 1 << 3
	FlagHidden              FileFlags = 1 << 4
	FlagExecutable          FileFlags = 1 << 5
	FlagDirectory           FileFlags = 1 << 6
	FlagCustomExecutable    FileFlags = 1 << 7
	FlagInstallScript       FileFlags = 1 << 8
	FlagSymlink             FileFlags = 1 << 9
)

// Has reports whether all bits of f are set.
func (ff FileFlags) Has(f FileFlags) bool {
	return ff&f == f
}

// ManifestFile is a single entry of a retrieved manifest, as delivered by the
// remote protocol capability (already decrypted).
type ManifestFile struct {
	// Path may use either separator; it is normalized before storage.
	Path string

	// Size is the uncompressed file size in bytes.
	Size uint64

	// Digest is the raw content digest. Empty for directories and for
	// entries the remote service does not hash.
	Digest []byte

	Flags FileFlags
}

// Manifest is the file list of one depot version.
type Manifest struct {
	DepotID    uint32
	ManifestID uint64
	CreatedAt  time.Time
	Files      []ManifestFile
}

// TotalSize returns the sum of all file sizes in the manifest.
func (m *Manifest) TotalSize() uint64 {
	var total uint64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// Action is the kind of change recorded in the history trail.
//
// NOTE: These values are persisted in depot_history.action and are part of
// the stable storage contract.
type Action string

const (
	ActionManifestChange Action = "manifest_change"
	ActionAdded          Action = "added"
	ActionModified       Action = "modified"
	ActionModifiedFlags  Action = "modified_flags"
	ActionRemoved        Action = "removed"
)

// Valid reports whether a is one of the known history actions.
func (a Action) Valid() bool {
	switch a {
	case ActionManifestChange, ActionAdded, ActionModified, ActionModifiedFlags, ActionRemoved:
		return true
	}
	return false
}

// String returns the persisted representation of the action.
func (a Action) String() string {
	return string(a)
}
