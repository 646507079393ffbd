// Package listing models remote directory entries and parses the long
// listing format produced by `ls -la`.
package listing

import (
	"os"
	"sort"
	"time"
)

// Kind classifies a directory entry.
type Kind string

const (
	// KindFile is a regular file or any non-directory, non-link entry
	KindFile Kind = "file"

	// KindDirectory is a real directory
	KindDirectory Kind = "directory"

	// KindSymlink is a symbolic link whose target is not a directory
	KindSymlink Kind = "symlink"

	// KindSymlinkDir is a symbolic link that resolves to a directory
	KindSymlinkDir Kind = "symlink-dir"
)

// tier returns the sort group of a kind. Unknown kinds sort with files.
func (k Kind) tier() int {
	switch k {
	case KindDirectory:
		return 0
	case KindSymlinkDir:
		return 1
	case KindSymlink:
		return 2
	default:
		return 3
	}
}

// IsDir reports whether entries of this kind can be navigated into.
func (k Kind) IsDir() bool {
	return k == KindDirectory || k == KindSymlinkDir
}

// IsLink reports whether the kind is one of the symlink kinds.
func (k Kind) IsLink() bool {
	return k == KindSymlink || k == KindSymlinkDir
}

// Entry describes one item of a remote directory.
type Entry struct {
	// Name is the entry's name within its directory
	Name string `json:"name"`

	// Kind classifies the entry
	Kind Kind `json:"type"`

	// Size is the size in bytes as reported by the server
	Size int64 `json:"size"`

	// Modified is the modification time, zero when unknown
	Modified time.Time `json:"modified,omitzero"`

	// Permissions is the nine character rwx string, e.g. "rwxr-xr-x"
	Permissions string `json:"permissions,omitempty"`

	// Owner and Group are only known for privileged listings
	Owner string `json:"owner,omitempty"`
	Group string `json:"group,omitempty"`

	// SymlinkTarget is the raw link target for the symlink kinds
	SymlinkTarget string `json:"symlinkTarget,omitempty"`

	// LongName is the raw ls line or SFTP longname when available
	LongName string `json:"longname,omitempty"`
}

// Sort orders entries in place: directories, symlinks to directories,
// other symlinks, then files. Names compare byte-wise within a tier, so the
// order is case sensitive. Equal keys keep their input order.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].Kind.tier(), entries[j].Kind.tier()
		if ti != tj {
			return ti < tj
		}
		return entries[i].Name < entries[j].Name
	})
}

// FromFileInfo builds an entry from an os.FileInfo such as the ones returned
// by an SFTP ReadDir. Symlink classification is left to the caller because it
// needs a round trip to the server.
func FromFileInfo(fi os.FileInfo) Entry {
	e := Entry{
		Name:        fi.Name(),
		Kind:        KindFile,
		Size:        fi.Size(),
		Permissions: FormatPermissions(fi.Mode()),
	}

	if fi.IsDir() {
		e.Kind = KindDirectory
	} else if fi.Mode()&os.ModeSymlink != 0 {
		e.Kind = KindSymlink
	}

	if mt := fi.ModTime(); mt.Unix() > 0 {
		e.Modified = mt
	}

	return e
}

// FormatPermissions renders the permission bits of mode as a nine character
// rwx string. Type, setuid, setgid and sticky bits are not shown.
func FormatPermissions(mode os.FileMode) string {
	// FileMode.String prefixes the type letter; Perm has none so it is "-".
	return mode.Perm().String()[1:]
}
