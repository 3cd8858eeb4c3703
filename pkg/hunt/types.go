// Package hunt implements the packet-search engine: scanning every session
// matching a hunt's expression within a time window, running a byte-level
// search over each session's PCAP bytes, and tagging matches.
package hunt

// Status is a hunt's lifecycle state.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusFinished Status = "finished"
)

// SearchType selects the packetSearch predicate.
type SearchType string

const (
	SearchAscii     SearchType = "ascii"
	SearchAsciiCase SearchType = "asciicase"
	SearchHex       SearchType = "hex"
	SearchRegex     SearchType = "regex"
	SearchHexRegex  SearchType = "hexregex"
)

// PacketMode selects whether packetSearch reassembles the TCP stream before
// searching or scans raw wire-order packets.
type PacketMode string

const (
	ModeReassembled PacketMode = "reassembled"
	ModeRaw         PacketMode = "raw"
)

// Hunt is one packet-search job: a time-bounded scan of sessions matching
// Expression, searching each session's PCAP bytes for Search.
type Hunt struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	UserID string `json:"userId"`
	Users  []string `json:"users,omitempty"` // additional users allowed to view/manage

	Expression string `json:"expression"` // forced to conjunctive session filter clauses
	StartTime  int64  `json:"startTime"`  // epoch seconds
	StopTime   int64  `json:"stopTime"`   // epoch seconds

	Search     string     `json:"search"`
	SearchType SearchType `json:"searchType"`
	PacketMode PacketMode `json:"packetMode"`
	Src        bool       `json:"src"`
	Dst        bool       `json:"dst"`
	MaxBytes   int        `json:"maxBytes"`

	Status     Status `json:"status"`
	Unrunnable bool   `json:"unrunnable"`
	Error      string `json:"error,omitempty"`

	MatchedSessions  int   `json:"matchedSessions"`
	SearchedSessions int   `json:"searchedSessions"`
	TotalSessions    int   `json:"totalSessions"`
	LastPacketTime   int64 `json:"lastPacketTime"` // checkpoint, millis
	LastUpdated      int64 `json:"lastUpdated"`

	FailedSessionIDs []string `json:"failedSessionIds,omitempty"`

	NotifierName string `json:"notifierName,omitempty"`
}

// MatchResult is the outcome of a single session's packetSearch.
type MatchResult struct {
	SessionID string
	Matched   bool
	Err       error
}

// maxFailedSessions is the cap on FailedSessionIDs before a hunt
// self-pauses with a permanent error.
const maxFailedSessions = 10000

// perSessionConcurrency bounds simultaneous packetSearch/peer dispatches
// within a single scroll page.
const perSessionConcurrency = 3

// retryConcurrency bounds simultaneous dispatches during the
// failed-session retry pass.
const retryConcurrency = 3

// checkpointInterval is the minimum wall-clock spacing between persisted
// progress checkpoints and pause-request reloads.
const checkpointInterval = 2 // seconds

// scrollPageSize is the session scroll page size used while scanning.
const scrollPageSize = 100

// CanView reports whether userID may see hunt h's unredacted detail.
func (h Hunt) CanView(userID string, isAdmin bool) bool {
	if isAdmin || userID == h.UserID {
		return true
	}
	for _, u := range h.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// Redacted returns a copy of h with search-revealing fields blanked (search,
// searchType, userId) and the filter expression removed, for listers who
// aren't the creator, a listed user, or an admin.
func (h Hunt) Redacted() Hunt {
	redacted := h
	redacted.Search = ""
	redacted.SearchType = ""
	redacted.UserID = ""
	redacted.Expression = ""
	redacted.FailedSessionIDs = nil
	return redacted
}
