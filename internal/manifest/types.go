// Package manifest parses and emits control artifacts: the strict
// line-oriented text format (§4.D) used for manifests (check-ins),
// clusters, control (tag-change), wiki, ticket, attachment, and event
// artifacts.
package manifest

// Variant identifies which control-artifact shape a parsed artifact has.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantManifest
	VariantCluster
	VariantControl
	VariantWiki
	VariantTicket
	VariantAttachment
	VariantEvent
)

func (v Variant) String() string {
	switch v {
	case VariantManifest:
		return "manifest"
	case VariantCluster:
		return "cluster"
	case VariantControl:
		return "control"
	case VariantWiki:
		return "wiki"
	case VariantTicket:
		return "ticket"
	case VariantAttachment:
		return "attachment"
	case VariantEvent:
		return "event"
	default:
		return "unknown"
	}
}

// FileCard is one "F" line: a file entry in a manifest. A manifest lists
// the complete set of tracked files as of that check-in, not a diff against
// its parent; UUID is mandatory (a file with no content identity cannot
// appear in a manifest at all). Deletion is represented by a file's simple
// absence from a later manifest's F-list, never by an empty UUID here.
type FileCard struct {
	Name    string
	UUID    string // content hash, always present
	Perm    string // "x", "l", "w" (rename of a plain file), or ""
	OldName string // set for a rename
}

// TagCard is one "T" line.
type TagCard struct {
	Kind  byte // '+' singleton, '*' propagating, '-' cancel
	Name  string
	Value string // plain (defossilized) value, optional
	// Target is "*" (self) verbatim, or a resolved uuid.
	Target string
}

// AttachmentCard is the "A" line of an attachment artifact.
type AttachmentCard struct {
	Filename string
	Target   string // uuid or wiki/ticket name
	SrcHash  string // optional source hash
}

// JCard is one "J" line of a ticket artifact.
type JCard struct {
	Append bool // "+fieldname" appends rather than replaces
	Field  string
	Value  string
}

// Artifact is the fully parsed, structurally-validated representation of a
// control artifact's canonical text.
type Artifact struct {
	Variant Variant

	// Cards common to several variants.
	Baseline  string // B
	Comment   string // C (fossilized)
	Date      string // D - ISO8601 timestamp
	EventUUID string // E second field
	MimeType  string // N
	RepoMD5   string // R
	User      string // U (fossilized)

	Files    []FileCard // F
	Parents  []string   // P
	Tags     []TagCard  // T
	Members  []string   // M (cluster)
	JCards   []JCard    // J (ticket)
	Ticket   string     // K
	WikiTitle string    // L (fossilized)
	WikiText []byte     // W <n>\n<bytes>\n

	Attachment *AttachmentCard // A
	QCards     []QCard         // Q

	ZHash string // Z - md5 of all preceding lines

	// Raw is the exact byte sequence that was hashed/parsed, retained so
	// callers can re-verify or re-store the artifact's canonical text.
	Raw []byte
}

// QCard is a "Q" line (cherrypick/backout annotation on a manifest).
type QCard struct {
	Add      bool // '+' cherrypick, '-' backout
	Target   string
	Baseline string // optional
}
