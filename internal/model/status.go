package model

// ImportStatus is the lifecycle state of an import job. Progression is
// strictly ordered; Error and TimedOut are terminal failure states reachable
// from any non-terminal state.
type ImportStatus string

const (
	ImportStatusPending        ImportStatus = "Pending"
	ImportStatusTranslating    ImportStatus = "Translating"
	ImportStatusReadyForUpsert ImportStatus = "ReadyForUpsert"
	ImportStatusUpserting      ImportStatus = "Upserting"
	ImportStatusDone           ImportStatus = "Done"
	ImportStatusError          ImportStatus = "Error"
	ImportStatusTimedOut       ImportStatus = "TimedOut"
)

var statusRank = map[ImportStatus]int{
	ImportStatusPending:        0,
	ImportStatusTranslating:    1,
	ImportStatusReadyForUpsert: 2,
	ImportStatusUpserting:      3,
	ImportStatusDone:           4,
}

// ParseImportStatus returns the status matching s, or false if s is not a
// defined variant.
func ParseImportStatus(s string) (ImportStatus, bool) {
	switch ImportStatus(s) {
	case ImportStatusPending, ImportStatusTranslating, ImportStatusReadyForUpsert,
		ImportStatusUpserting, ImportStatusDone, ImportStatusError, ImportStatusTimedOut:
		return ImportStatus(s), true
	}
	return "", false
}

func (s ImportStatus) String() string { return string(s) }

// Terminal reports whether a row in this status is frozen.
func (s ImportStatus) Terminal() bool {
	switch s {
	case ImportStatusDone, ImportStatusError, ImportStatusTimedOut:
		return true
	}
	return false
}

// Before reports whether s precedes other in the progression order. Terminal
// failure states have no rank and never compare.
func (s ImportStatus) Before(other ImportStatus) bool {
	sr, ok1 := statusRank[s]
	or, ok2 := statusRank[other]
	return ok1 && ok2 && sr < or
}

// TerminalStatuses lists the frozen states, in a stable order for SQL IN
// clauses.
func TerminalStatuses() []ImportStatus {
	return []ImportStatus{ImportStatusDone, ImportStatusError, ImportStatusTimedOut}
}
