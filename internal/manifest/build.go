package manifest

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
)

// ManifestSpec describes the content of a check-in manifest to emit.
type ManifestSpec struct {
	Date    string
	User    string
	Comment string
	Parents []string // first is primary
	Files   []FileCard
	Tags    []TagCard
	Baseline string
}

// BuildManifest emits the canonical text of a check-in manifest, cards in
// strictly ascending order, with a correct trailing Z checksum. The F list
// is sorted by filename, as §4.D requires.
func BuildManifest(spec ManifestSpec) []byte {
	files := append([]FileCard{}, spec.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var body bytes.Buffer
	if spec.Baseline != "" {
		fmt.Fprintf(&body, "B %s\n", spec.Baseline)
	}
	if spec.Comment != "" {
		fmt.Fprintf(&body, "C %s\n", Fossilize(spec.Comment))
	}
	fmt.Fprintf(&body, "D %s\n", spec.Date)
	for _, f := range files {
		writeFCard(&body, f)
	}
	for _, p := range spec.Parents {
		// all parents on one P line, primary first
		_ = p
	}
	if len(spec.Parents) > 0 {
		body.WriteString("P")
		for _, p := range spec.Parents {
			body.WriteString(" " + p)
		}
		body.WriteString("\n")
	}
	tags := append([]TagCard{}, spec.Tags...)
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	for _, t := range tags {
		writeTCard(&body, t)
	}
	fmt.Fprintf(&body, "U %s\n", Fossilize(spec.User))
	return appendZ(body.Bytes())
}

func writeFCard(buf *bytes.Buffer, f FileCard) {
	buf.WriteString("F " + Fossilize(f.Name) + " " + f.UUID)
	if f.Perm != "" || f.OldName != "" {
		perm := f.Perm
		if perm == "" {
			perm = "w"
		}
		buf.WriteString(" " + perm)
	}
	if f.OldName != "" {
		buf.WriteString(" " + Fossilize(f.OldName))
	}
	buf.WriteString("\n")
}

func writeTCard(buf *bytes.Buffer, t TagCard) {
	fmt.Fprintf(buf, "T %c%s %s", t.Kind, t.Name, t.Target)
	if t.Value != "" {
		buf.WriteString(" " + Fossilize(t.Value))
	}
	buf.WriteString("\n")
}

// appendZ computes and appends the Z checksum line covering all of body.
func appendZ(body []byte) []byte {
	sum := md5.Sum(body)
	z := fmt.Sprintf("Z %s\n", hex.EncodeToString(sum[:]))
	return append(append([]byte{}, body...), []byte(z)...)
}

// ControlSpec describes a tag-change (control) artifact.
type ControlSpec struct {
	Date string
	User string
	Tags []TagCard
}

// BuildControl emits the canonical text of a control (tag change) artifact.
func BuildControl(spec ControlSpec) []byte {
	var body bytes.Buffer
	fmt.Fprintf(&body, "D %s\n", spec.Date)
	tags := append([]TagCard{}, spec.Tags...)
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	for _, t := range tags {
		writeTCard(&body, t)
	}
	fmt.Fprintf(&body, "U %s\n", Fossilize(spec.User))
	return appendZ(body.Bytes())
}
