package dat

import (
	"path"
	"strings"
	"time"
)

// ManifestName is the name of the archive entry holding archive metadata.
const ManifestName = "/dat.json"

// EntryType distinguishes files from directories.
type EntryType int

const (
	File EntryType = iota
	Directory
)

func (t EntryType) String() string {
	switch t {
	case File:
		return "file"
	case Directory:
		return "directory"
	}
	return "unknown"
}

// Entry is a file or directory record inside an archive.
// Entries are immutable once written;
// writing the same name again appends a newer Entry.
type Entry struct {
	Name  string // full path, rooted at "/"
	Type  EntryType
	Size  uint64
	Mtime time.Time

	// Block is the index of the entry's first content block,
	// and Blocks is the number of content blocks it spans.
	Block  uint64
	Blocks uint64
}

// CleanName roots and cleans an entry name.
func CleanName(name string) string {
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return path.Clean(name)
}
