package model

import (
	"time"
)

// Filetype identifies the source format of an import.
type Filetype string

const (
	FiletypePFB       Filetype = "pfb"
	FiletypeTDRExport Filetype = "tdrexport"
	FiletypeRawlsJSON Filetype = "rawlsjson"
)

// ParseFiletype returns the filetype matching s, or false for anything else.
func ParseFiletype(s string) (Filetype, bool) {
	switch Filetype(s) {
	case FiletypePFB, FiletypeTDRExport, FiletypeRawlsJSON:
		return Filetype(s), true
	}
	return "", false
}

func (f Filetype) String() string { return string(f) }

// Translated reports whether the filetype goes through a streaming translator
// (as opposed to being staged as-is).
func (f Filetype) Translated() bool {
	return f == FiletypePFB || f == FiletypeTDRExport
}

// MaxErrorMessageLen is the longest error_message persisted on a row.
const MaxErrorMessageLen = 2048

// Import is one end-to-end data load job. Everything except Status,
// ErrorMessage and SnapshotID is immutable after creation.
type Import struct {
	ID string

	WorkspaceNamespace     string
	WorkspaceName          string
	WorkspaceUUID          string
	WorkspaceGoogleProject string

	Submitter string

	ImportURL string
	Filetype  Filetype

	IsUpsert          bool
	IsTDRSyncRequired bool

	Status       ImportStatus
	ErrorMessage string
	SnapshotID   string

	SubmitTime time.Time
	UpdatedAt  time.Time
}

// TruncateErrorMessage clips msg to MaxErrorMessageLen runes.
func TruncateErrorMessage(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorMessageLen {
		return msg
	}
	return string(r[:MaxErrorMessageLen])
}
