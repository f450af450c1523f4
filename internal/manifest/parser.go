package manifest

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofossil/fossilgo/internal/hashcodec"
)

var (
	errUnterminatedEscape = errors.New("manifest: unterminated escape sequence")
	errUnknownEscape       = errors.New("manifest: unknown escape sequence")

	errOutOfOrder  = errors.New("manifest: cards out of order")
	errBadHash     = errors.New("manifest: invalid hash")
	errBadPath     = errors.New("manifest: invalid file path")
	errBadZ        = errors.New("manifest: Z checksum mismatch")
	errMissingCard = errors.New("manifest: required card missing")
	errBadCard     = errors.New("manifest: malformed card")

	uuidLikeRe = regexp.MustCompile(`^[0-9a-fA-F]{32,64}$`)
	pathBadRe  = regexp.MustCompile(`[\x00-\x1f\\]`)
)

// cursor is a byte-cursor iterator over the artifact buffer, bounded by the
// buffer's own lifetime (§9 design note: "coroutine-like parse cursor").
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) atEnd() bool { return c.pos >= len(c.buf) }

// nextLine returns the next line (without its trailing \n) and advances
// past it. Returns ok=false at end of buffer.
func (c *cursor) nextLine() (line []byte, ok bool) {
	if c.atEnd() {
		return nil, false
	}
	idx := bytes.IndexByte(c.buf[c.pos:], '\n')
	if idx < 0 {
		line = c.buf[c.pos:]
		c.pos = len(c.buf)
		return line, true
	}
	line = c.buf[c.pos : c.pos+idx]
	c.pos += idx + 1
	return line, true
}

// Parse parses raw bytes as a control artifact, enforcing ordering, hash
// validity, path safety, and the Z checksum. The caller relinquishes raw to
// the returned Artifact (it is retained as Raw); per the §9 design note
// about ownership, callers must not mutate raw afterward.
func Parse(raw []byte) (*Artifact, error) {
	body, err := stripPGPWrapper(raw)
	if err != nil {
		return nil, err
	}
	cur := &cursor{buf: body}

	art := &Artifact{Raw: raw}
	var lastLetter byte
	var preZLines [][]byte
	seenLetters := map[byte]int{}

	for {
		line, ok := cur.nextLine()
		if !ok {
			break
		}
		if len(line) == 0 {
			return nil, fmt.Errorf("%w: blank line", errBadCard)
		}
		letter := line[0]
		if letter != 'Z' {
			preZLines = append(preZLines, line)
		}
		if letter < lastLetter {
			return nil, fmt.Errorf("%w: %q after %q", errOutOfOrder, string(letter), string(lastLetter))
		}
		lastLetter = letter
		seenLetters[letter]++

		rest := ""
		if len(line) > 1 {
			if line[1] != ' ' {
				return nil, fmt.Errorf("%w: missing space after card letter %q", errBadCard, string(letter))
			}
			rest = string(line[2:])
		}

		switch letter {
		case 'A':
			if err := parseA(art, rest); err != nil {
				return nil, err
			}
		case 'B':
			if !hashcodec.Valid(rest) {
				return nil, fmt.Errorf("%w: B %q", errBadHash, rest)
			}
			art.Baseline = rest
		case 'C':
			art.Comment = rest
		case 'D':
			art.Date = rest
		case 'E':
			parts := strings.SplitN(rest, " ", 2)
			if len(parts) != 2 || !hashcodec.Valid(parts[1]) {
				return nil, fmt.Errorf("%w: E %q", errBadCard, rest)
			}
			art.Date = parts[0]
			art.EventUUID = parts[1]
		case 'F':
			fc, err := parseF(rest)
			if err != nil {
				return nil, err
			}
			if len(art.Files) > 0 && fc.Name <= art.Files[len(art.Files)-1].Name {
				return nil, fmt.Errorf("%w: F cards not strictly sorted", errBadCard)
			}
			art.Files = append(art.Files, fc)
		case 'J':
			jc, err := parseJ(rest)
			if err != nil {
				return nil, err
			}
			art.JCards = append(art.JCards, jc)
		case 'K':
			if !hashcodec.Valid(rest) {
				return nil, fmt.Errorf("%w: K %q", errBadHash, rest)
			}
			art.Ticket = rest
		case 'L':
			art.WikiTitle = rest
		case 'M':
			if !hashcodec.Valid(rest) {
				return nil, fmt.Errorf("%w: M %q", errBadHash, rest)
			}
			art.Members = append(art.Members, rest)
		case 'N':
			art.MimeType = rest
		case 'P':
			for _, u := range strings.Fields(rest) {
				if !hashcodec.Valid(u) {
					return nil, fmt.Errorf("%w: P %q", errBadHash, u)
				}
				art.Parents = append(art.Parents, u)
			}
		case 'Q':
			qc, err := parseQ(rest)
			if err != nil {
				return nil, err
			}
			art.QCards = append(art.QCards, qc)
		case 'R':
			if len(rest) != 32 {
				return nil, fmt.Errorf("%w: R %q", errBadCard, rest)
			}
			art.RepoMD5 = rest
		case 'T':
			tc, err := parseT(rest)
			if err != nil {
				return nil, err
			}
			art.Tags = append(art.Tags, tc)
		case 'U':
			art.User = rest
		case 'W':
			n, err := strconv.Atoi(rest)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: W %q", errBadCard, rest)
			}
			data := make([]byte, n)
			copy(data, cur.buf[cur.pos:cur.pos+n])
			cur.pos += n
			if cur.pos >= len(cur.buf) || cur.buf[cur.pos] != '\n' {
				return nil, fmt.Errorf("%w: W block not newline-terminated", errBadCard)
			}
			cur.pos++
			art.WikiText = data
		case 'Z':
			art.ZHash = rest
			if err := verifyZ(preZLines, rest); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown card %q", errBadCard, string(letter))
		}
	}

	art.Variant = classify(seenLetters)
	if err := validateVariant(art, seenLetters); err != nil {
		return nil, err
	}
	return art, nil
}

func verifyZ(lines [][]byte, want string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	sum := md5.Sum(buf.Bytes())
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s want %s", errBadZ, got, want)
	}
	return nil
}

func parseA(art *Artifact, rest string) error {
	fields := strings.Fields(rest)
	if len(fields) < 2 || len(fields) > 3 {
		return fmt.Errorf("%w: A %q", errBadCard, rest)
	}
	a := &AttachmentCard{Filename: fields[0], Target: fields[1]}
	if len(fields) == 3 {
		if !hashcodec.Valid(fields[2]) {
			return fmt.Errorf("%w: A source hash %q", errBadHash, fields[2])
		}
		a.SrcHash = fields[2]
	}
	art.Attachment = a
	return nil
}

func parseF(rest string) (FileCard, error) {
	fields := strings.Fields(rest)
	if len(fields) < 2 || len(fields) > 4 {
		return FileCard{}, fmt.Errorf("%w: F %q", errBadCard, rest)
	}
	name, err := Defossilize(fields[0])
	if err != nil {
		return FileCard{}, err
	}
	if !validPath(name) {
		return FileCard{}, fmt.Errorf("%w: %q", errBadPath, name)
	}
	fc := FileCard{Name: name}
	if !hashcodec.Valid(fields[1]) {
		return FileCard{}, fmt.Errorf("%w: F uuid %q", errBadHash, fields[1])
	}
	fc.UUID = fields[1]
	if len(fields) >= 3 {
		fc.Perm = fields[2]
	}
	if len(fields) == 4 {
		old, err := Defossilize(fields[3])
		if err != nil {
			return FileCard{}, err
		}
		if !validPath(old) {
			return FileCard{}, fmt.Errorf("%w: %q", errBadPath, old)
		}
		fc.OldName = old
	}
	return fc, nil
}

// validPath enforces §4.D's "simple repository-relative path" rule: no
// ".", no "..", no leading or duplicate "/", no "\", no control bytes.
func validPath(p string) bool {
	if p == "" || p == "." || p == ".." {
		return false
	}
	if pathBadRe.MatchString(p) {
		return false
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "//") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func parseJ(rest string) (JCard, error) {
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return JCard{}, fmt.Errorf("%w: J %q", errBadCard, rest)
	}
	field := fields[0]
	append_ := false
	if strings.HasPrefix(field, "+") {
		append_ = true
		field = field[1:]
	}
	jc := JCard{Append: append_, Field: field}
	if len(fields) == 2 {
		v, err := Defossilize(fields[1])
		if err != nil {
			return JCard{}, err
		}
		jc.Value = v
	}
	return jc, nil
}

func parseQ(rest string) (QCard, error) {
	fields := strings.Fields(rest)
	if len(fields) < 1 || len(fields) > 2 {
		return QCard{}, fmt.Errorf("%w: Q %q", errBadCard, rest)
	}
	first := fields[0]
	if len(first) < 2 || (first[0] != '+' && first[0] != '-') {
		return QCard{}, fmt.Errorf("%w: Q %q", errBadCard, rest)
	}
	qc := QCard{Add: first[0] == '+', Target: first[1:]}
	if !hashcodec.Valid(qc.Target) {
		return QCard{}, fmt.Errorf("%w: Q target %q", errBadHash, qc.Target)
	}
	if len(fields) == 2 {
		if !hashcodec.Valid(fields[1]) {
			return QCard{}, fmt.Errorf("%w: Q baseline %q", errBadHash, fields[1])
		}
		qc.Baseline = fields[1]
	}
	return qc, nil
}

var tagNameRe = regexp.MustCompile(`^[+*-][A-Za-z0-9_.-]+$`)

func parseT(rest string) (TagCard, error) {
	fields := strings.Fields(rest)
	if len(fields) < 2 || len(fields) > 3 {
		return TagCard{}, fmt.Errorf("%w: T %q", errBadCard, rest)
	}
	tagSpec := fields[0]
	if !tagNameRe.MatchString(tagSpec) {
		return TagCard{}, fmt.Errorf("%w: T tag name %q", errBadCard, tagSpec)
	}
	name := tagSpec[1:]
	if uuidLikeRe.MatchString(name) {
		return TagCard{}, fmt.Errorf("%w: T tag name looks like a uuid: %q", errBadCard, name)
	}
	tc := TagCard{Kind: tagSpec[0], Name: name, Target: fields[1]}
	if tc.Target != "*" && !hashcodec.Valid(tc.Target) {
		return TagCard{}, fmt.Errorf("%w: T target %q", errBadHash, tc.Target)
	}
	if len(fields) == 3 {
		v, err := Defossilize(fields[2])
		if err != nil {
			return TagCard{}, err
		}
		tc.Value = v
	}
	return tc, nil
}

const pgpBegin = "-----BEGIN PGP SIGNED MESSAGE-----"

// stripPGPWrapper skips a clear-sign header (everything up to the first
// blank line) if present, and truncates at the signature trailer.
func stripPGPWrapper(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, []byte(pgpBegin)) {
		return raw, nil
	}
	idx := bytes.Index(raw, []byte("\n\n"))
	if idx < 0 {
		return nil, fmt.Errorf("%w: unterminated PGP header", errBadCard)
	}
	body := raw[idx+2:]
	if sigIdx := bytes.Index(body, []byte("-----BEGIN PGP SIGNATURE-----")); sigIdx >= 0 {
		body = body[:sigIdx]
	}
	return body, nil
}

func classify(seen map[byte]int) Variant {
	switch {
	case seen['A'] > 0:
		return VariantAttachment
	case seen['K'] > 0:
		return VariantTicket
	case seen['L'] > 0:
		return VariantWiki
	case seen['E'] > 0:
		return VariantEvent
	case seen['F'] > 0 || seen['R'] > 0 || seen['P'] > 0:
		return VariantManifest
	case seen['M'] > 0:
		return VariantCluster
	case seen['T'] > 0:
		return VariantControl
	default:
		return VariantUnknown
	}
}

func validateVariant(art *Artifact, seen map[byte]int) error {
	need1 := func(letter byte, name string) error {
		if seen[letter] != 1 {
			return fmt.Errorf("%w: %s requires exactly one %q card, found %d", errMissingCard, name, string(letter), seen[letter])
		}
		return nil
	}
	switch art.Variant {
	case VariantManifest:
		if seen['F'] == 0 && seen['R'] == 0 {
			return fmt.Errorf("%w: manifest requires >=1 F card or an R card", errMissingCard)
		}
		if err := need1('D', "manifest"); err != nil {
			return err
		}
		if err := need1('U', "manifest"); err != nil {
			return err
		}
		if seen['B'] > 1 {
			return fmt.Errorf("%w: manifest allows at most one B card", errBadCard)
		}
	case VariantCluster:
		for letter := range seen {
			if letter != 'M' && letter != 'Z' {
				return fmt.Errorf("%w: cluster allows only M and Z cards, found %q", errBadCard, string(letter))
			}
		}
	case VariantControl:
		if err := need1('D', "control"); err != nil {
			return err
		}
		if err := need1('U', "control"); err != nil {
			return err
		}
		if seen['F'] > 0 || seen['P'] > 0 {
			return fmt.Errorf("%w: control artifact must not have F or P cards", errBadCard)
		}
	case VariantWiki:
		if err := need1('D', "wiki"); err != nil {
			return err
		}
		if err := need1('L', "wiki"); err != nil {
			return err
		}
		if err := need1('U', "wiki"); err != nil {
			return err
		}
		if seen['P'] > 1 {
			return fmt.Errorf("%w: wiki allows at most one P card", errBadCard)
		}
	case VariantTicket:
		if err := need1('D', "ticket"); err != nil {
			return err
		}
		if err := need1('K', "ticket"); err != nil {
			return err
		}
		if err := need1('U', "ticket"); err != nil {
			return err
		}
		if seen['J'] == 0 {
			return fmt.Errorf("%w: ticket requires >=1 J card", errMissingCard)
		}
	case VariantAttachment:
		if err := need1('A', "attachment"); err != nil {
			return err
		}
		if err := need1('D', "attachment"); err != nil {
			return err
		}
		if err := need1('U', "attachment"); err != nil {
			return err
		}
		if seen['C'] > 1 || seen['N'] > 1 {
			return fmt.Errorf("%w: attachment allows at most one C and one N card", errBadCard)
		}
	case VariantEvent:
		if err := need1('D', "event"); err != nil {
			return err
		}
		if err := need1('E', "event"); err != nil {
			return err
		}
		if err := need1('U', "event"); err != nil {
			return err
		}
		if seen['C'] > 1 {
			return fmt.Errorf("%w: event allows at most one C card", errBadCard)
		}
	default:
		return fmt.Errorf("%w: could not classify artifact", errMissingCard)
	}
	if seen['Z'] > 1 {
		return fmt.Errorf("%w: at most one Z card", errBadCard)
	}
	return nil
}
