package repo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/gofossil/fossilgo/internal/config"
	"github.com/gofossil/fossilgo/internal/hashcodec"
	"github.com/gofossil/fossilgo/internal/manifest"
	"github.com/gofossil/fossilgo/internal/store"
)

// Repository is the session context tying the blob store to the derived
// index tables that the crosslinker (§4.E) produces. Per the §9 design
// note, every piece of mutable state lives here rather than behind a
// package-level global, so a process can hold more than one repository
// open at once.
type Repository struct {
	Log *logrus.Logger
	Cfg *config.Config

	Store *store.Store

	// Filename/tag interning tables (fnid/tagid), monotonic within a session.
	filenameByName map[string]int
	filenameByID   map[int]string
	nextFnid       int

	tagByName map[string]int
	tagByID   map[int]string
	nextTagid int

	Mlink   []MlinkRow
	Plink   []PlinkRow
	Tagxref []TagxrefRow
	Event   []EventRow
	Attach  []AttachmentRow
	Tickets map[string]*TicketRow
	Vmerge  []VmergeRow

	// manifestRid -> rid of each file at that checkin, keyed by fnid.
	checkinFiles map[int]map[int]int

	// uuid (checkin hash) -> rid, resolved lazily as manifests crosslink.
	uuidToRid map[string]int

	// orphans waiting on a not-yet-available content rid (§4.E dephantomize
	// trigger): rid -> manifests parked on it.
	parked map[int][]int

	crosslinked map[int]bool
}

// New creates an empty repository bound to st.
func New(logger *logrus.Logger, cfg *config.Config, st *store.Store) *Repository {
	return &Repository{
		Log:            logger,
		Cfg:            cfg,
		Store:          st,
		filenameByName: make(map[string]int),
		filenameByID:   make(map[int]string),
		nextFnid:       1,
		tagByName:      make(map[string]int),
		tagByID:        make(map[int]string),
		nextTagid:      1,
		Tickets:        make(map[string]*TicketRow),
		checkinFiles:   make(map[int]map[int]int),
		uuidToRid:      make(map[string]int),
		parked:         make(map[int][]int),
		crosslinked:    make(map[int]bool),
	}
}

// Reset discards every derived index row and interning table, as if r had
// just been constructed fresh, while keeping the same Store (used by
// rebuild to regenerate indexes from scratch in a single pass).
func (r *Repository) Reset() {
	fresh := New(r.Log, r.Cfg, r.Store)
	*r = *fresh
}

// internFilename returns the fnid for name, allocating one if new.
func (r *Repository) internFilename(name string) int {
	if id, ok := r.filenameByName[name]; ok {
		return id
	}
	id := r.nextFnid
	r.nextFnid++
	r.filenameByName[name] = id
	r.filenameByID[id] = name
	return id
}

// FilenameOf resolves a previously interned fnid back to its path.
func (r *Repository) FilenameOf(fnid int) string { return r.filenameByID[fnid] }

// internTag returns the tagid for name, allocating one if new.
func (r *Repository) internTag(name string) int {
	if id, ok := r.tagByName[name]; ok {
		return id
	}
	id := r.nextTagid
	r.nextTagid++
	r.tagByName[name] = id
	r.tagByID[id] = name
	return id
}

// TagNameOf resolves a previously interned tagid back to its name.
func (r *Repository) TagNameOf(tagid int) string { return r.tagByID[tagid] }

// Put stores content in the underlying blob store and, if doing so
// dephantomized an existing rid, retries crosslink for every manifest
// parked on it (§4.A "cascades to parse any delta-children", §4.E
// "dephantomize triggers a recursive crosslink of orphans").
func (r *Repository) Put(content []byte, isPrivate bool) (int, error) {
	wasPhantom := func(hash string) bool {
		if rid, ok := r.Store.RidForHash(hash); ok {
			return r.Store.IsPhantom(rid)
		}
		return false
	}
	fam := hashcodec.PolicyFamily(r.Cfg.HashPolicy)
	already := wasPhantom(hashcodec.Compute(fam, content)) || wasPhantom(hashcodec.Compute(hashcodec.Other(fam), content))
	rid, err := r.Store.Put(content, isPrivate)
	if err != nil {
		return 0, err
	}
	if already {
		if err := r.NotifyAvailable(rid, func(mrid int) (*manifest.Artifact, error) {
			raw, err := r.Store.Get(mrid)
			if err != nil {
				return nil, err
			}
			return manifest.Parse(raw)
		}); err != nil {
			return 0, err
		}
	}
	return rid, nil
}

// Crosslink derives mlink/plink/tagxref/event/attachment/ticket rows from a
// freshly parsed artifact stored at rid, one call per artifact, per §4.E.
// Any file/parent reference that is only a phantom in the store parks this
// manifest for re-crosslinking once dephantomized (see NotifyAvailable).
func (r *Repository) Crosslink(rid int, art *manifest.Artifact) error {
	if r.crosslinked[rid] {
		return nil
	}
	hash := r.Store.Hash(rid)
	if hash != "" {
		r.uuidToRid[hash] = rid
	}

	switch art.Variant {
	case manifest.VariantManifest:
		if err := r.crosslinkManifest(rid, art); err != nil {
			return err
		}
	case manifest.VariantCluster:
		// Clusters list artifacts the sender believes the receiver may be
		// missing; no table rows are derived from them, and their members
		// are not recorded.
	case manifest.VariantControl:
		r.crosslinkControl(rid, art)
	case manifest.VariantWiki:
		r.crosslinkEvent(rid, art, "w", art.WikiTitle)
	case manifest.VariantTicket:
		r.crosslinkTicket(art)
		r.crosslinkEvent(rid, art, "t", art.Ticket)
	case manifest.VariantAttachment:
		r.crosslinkAttachment(rid, art)
	case manifest.VariantEvent:
		r.crosslinkEvent(rid, art, "e", art.EventUUID)
	}
	r.crosslinked[rid] = true
	return nil
}

// crosslinkManifest derives mlink/plink rows for a check-in manifest, per
// the add_mlink merge-join: a manifest's F-list is the complete set of files
// tracked as of that check-in (not a diff against the parent), so deriving
// the per-parent transition requires fetching and parsing each parent's own
// F-list and sorted-merge-joining it against the child's. Every reference
// (file content, parent manifest, parent's own file content) is resolved
// before any table is mutated, so a park-and-retry via NotifyAvailable never
// observes a partially-applied manifest.
func (r *Repository) crosslinkManifest(rid int, art *manifest.Artifact) error {
	childResolved, ok := r.resolveFileRids(rid, art.Files)
	if !ok {
		return nil // parked; retried from NotifyAvailable
	}
	if art.Baseline != "" {
		if _, ok := r.resolveOrPark(rid, art.Baseline); !ok {
			return nil
		}
	}

	var parentRids []int
	var parentArts []*manifest.Artifact
	var parentResolved [][]int
	for _, puuid := range art.Parents {
		pr, ok := r.resolveOrPark(rid, puuid)
		if !ok {
			return nil
		}
		pArt, err := r.fetchParsedManifest(pr)
		if err != nil {
			return err
		}
		pResolved, ok := r.resolveFileRids(rid, pArt.Files)
		if !ok {
			return nil
		}
		parentRids = append(parentRids, pr)
		parentArts = append(parentArts, pArt)
		parentResolved = append(parentResolved, pResolved)
	}

	// Every reference resolved: commit.
	for i, pr := range parentRids {
		r.Plink = append(r.Plink, PlinkRow{Pid: pr, Cid: rid, IsPrim: i == 0, Mtime: art.Date})
	}

	myFiles := make(map[int]int, len(art.Files))
	for i, f := range art.Files {
		myFiles[r.internFilename(f.Name)] = childResolved[i]
	}
	r.checkinFiles[rid] = myFiles

	if len(parentRids) == 0 {
		r.addMlink(rid, 0, nil, nil, art.Files, childResolved, false)
	}
	for i, pr := range parentRids {
		r.addMlink(rid, pr, parentArts[i].Files, parentResolved[i], art.Files, childResolved, i > 0)
	}

	for _, t := range art.Tags {
		r.applyTagCard(rid, rid, t)
	}
	r.crosslinkEvent(rid, art, "ci", firstLine(art.Comment))
	return nil
}

// resolveFileRids resolves every file card's content rid, parking
// manifestRid against any phantom encountered (without mutating any derived
// table) and returning ok=false if anything is not yet available.
func (r *Repository) resolveFileRids(manifestRid int, files []manifest.FileCard) ([]int, bool) {
	out := make([]int, len(files))
	for i, f := range files {
		frid, ok := r.resolveOrPark(manifestRid, f.UUID)
		if !ok {
			return nil, false
		}
		out[i] = frid
	}
	return out, true
}

// fetchParsedManifest loads and parses a previously crosslinked manifest's
// own raw artifact text, needed because add_mlink merge-joins against the
// parent's complete F-list, not against derived state.
func (r *Repository) fetchParsedManifest(rid int) (*manifest.Artifact, error) {
	raw, err := r.Store.Get(rid)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(raw)
}

// findFile binary-searches a sorted F-list for name, mirroring
// find_file_in_manifest. Manifest F-lists are parsed in strictly-ascending
// name order, so this is always valid.
func findFile(files []manifest.FileCard, name string) int {
	lo, hi := 0, len(files)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case files[mid].Name == name:
			return mid
		case files[mid].Name < name:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return -1
}

// addMlink derives mlink rows for one parent edge (or, with no parent
// files, the root edge) by a sorted merge-join of parentFiles against
// childFiles, mirroring add_mlink/add_one_mlink: a first pass matches
// renamed files (child OldName found in the parent's F-list) so the second,
// merge-join pass can emit a single rename(+edit) row instead of a
// delete/add pair; a file present unchanged on both sides produces no row
// at all. isAux/pmid mark rows derived from a non-primary merge parent,
// whose write path is not present in the available original source and is
// reconstructed here from finfo.c's read-side usage of those columns.
func (r *Repository) addMlink(childRid, parentRid int, parentFiles []manifest.FileCard, parentResolved []int, childFiles []manifest.FileCard, childResolved []int, isAux bool) {
	renameOfChild := make([]int, len(childFiles))
	parentConsumed := make([]bool, len(parentFiles))
	for i := range renameOfChild {
		renameOfChild[i] = -1
	}
	for ci, f := range childFiles {
		if f.OldName == "" {
			continue
		}
		if pi := findFile(parentFiles, f.OldName); pi >= 0 {
			renameOfChild[ci] = pi
			parentConsumed[pi] = true
		}
	}

	pmid := 0
	if isAux {
		pmid = parentRid
	}
	emit := func(fnid, pfnid, fid, pid int, perm string) {
		r.Mlink = append(r.Mlink, MlinkRow{
			Mid: childRid, Pid: pid, Fid: fid, Fnid: fnid, Pfnid: pfnid,
			Pmid: pmid, Perm: perm, IsAux: isAux,
		})
	}
	emitChildOnly := func(ci int) {
		cf := childFiles[ci]
		fnid := r.internFilename(cf.Name)
		if ri := renameOfChild[ci]; ri >= 0 {
			pfnid := r.internFilename(parentFiles[ri].Name)
			emit(fnid, pfnid, childResolved[ci], parentResolved[ri], cf.Perm)
			return
		}
		emit(fnid, fnid, childResolved[ci], 0, cf.Perm)
	}
	emitParentOnly := func(pi int) {
		if parentConsumed[pi] {
			return
		}
		fnid := r.internFilename(parentFiles[pi].Name)
		emit(fnid, fnid, 0, parentResolved[pi], "")
	}

	pi, ci := 0, 0
	for pi < len(parentFiles) && ci < len(childFiles) {
		pf, cf := parentFiles[pi], childFiles[ci]
		switch {
		case pf.Name < cf.Name:
			emitParentOnly(pi)
			pi++
		case pf.Name > cf.Name:
			emitChildOnly(ci)
			ci++
		default:
			if pf.UUID != cf.UUID {
				fnid := r.internFilename(cf.Name)
				emit(fnid, fnid, childResolved[ci], parentResolved[pi], cf.Perm)
			}
			pi++
			ci++
		}
	}
	for ; pi < len(parentFiles); pi++ {
		emitParentOnly(pi)
	}
	for ; ci < len(childFiles); ci++ {
		emitChildOnly(ci)
	}
}

// resolveOrPark resolves uuid to a rid, or parks manifestRid against the
// phantom rid for uuid and returns ok=false if content is not yet available.
func (r *Repository) resolveOrPark(manifestRid int, uuid string) (int, bool) {
	rid, ok := r.Store.Rid(uuid)
	if !ok {
		rid = r.Store.NewPhantom(uuid, false)
	}
	if r.Store.IsPhantom(rid) {
		r.parked[rid] = append(r.parked[rid], manifestRid)
		return 0, false
	}
	return rid, true
}

// NotifyAvailable is called by the store layer (or its caller) once rid has
// been dephantomized, retrying crosslink for every manifest parked on it
// (§4.E "dephantomize triggers a recursive crosslink of orphans").
func (r *Repository) NotifyAvailable(rid int, reparse func(rid int) (*manifest.Artifact, error)) error {
	parked := r.parked[rid]
	delete(r.parked, rid)
	for _, mrid := range parked {
		delete(r.crosslinked, mrid)
		art, err := reparse(mrid)
		if err != nil {
			return err
		}
		if err := r.Crosslink(mrid, art); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) crosslinkControl(rid int, art *manifest.Artifact) {
	for _, t := range art.Tags {
		target := t.Target
		if target != "*" {
			if target2, ok := r.resolveOrPark(rid, target); ok {
				r.applyTagCard(rid, target2, t)
				continue
			}
			continue
		}
		r.applyTagCard(rid, rid, t)
	}
}

func (r *Repository) applyTagCard(srcRid, targetRid int, t manifest.TagCard) {
	tagid := r.internTag(t.Name)
	var typ TagType
	switch t.Kind {
	case '+':
		typ = TagSingleton
	case '*':
		typ = TagPropagating
	case '-':
		typ = TagCancel
	}
	r.Tagxref = append(r.Tagxref, TagxrefRow{TagID: tagid, Rid: targetRid, SrcID: srcRid, Value: t.Value, Type: typ})
}

func (r *Repository) crosslinkEvent(rid int, art *manifest.Artifact, typ, summary string) {
	r.Event = append(r.Event, EventRow{
		Type: typ, Mtime: art.Date, ObjID: rid, User: art.User, Comment: summary,
	})
}

func (r *Repository) crosslinkAttachment(rid int, art *manifest.Artifact) {
	a := art.Attachment
	if a == nil {
		return
	}
	row := AttachmentRow{Rid: rid, Target: a.Target, Filename: a.Filename, SrcHash: a.SrcHash, Mtime: art.Date, IsLatest: true}
	for i := range r.Attach {
		if r.Attach[i].Target == a.Target && r.Attach[i].Filename == a.Filename {
			r.Attach[i].IsLatest = false
		}
	}
	r.Attach = append(r.Attach, row)
}

func (r *Repository) crosslinkTicket(art *manifest.Artifact) {
	tk, ok := r.Tickets[art.Ticket]
	if !ok {
		tk = &TicketRow{UUID: art.Ticket, Fields: map[string]string{}}
		r.Tickets[art.Ticket] = tk
	}
	for _, j := range art.JCards {
		if j.Append {
			tk.Fields[j.Field] += j.Value
		} else {
			tk.Fields[j.Field] = j.Value
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Leaves returns the set of manifest rids that are not the primary parent of
// any known checkin (i.e. open branch heads among the manifests crosslinked
// so far).
func (r *Repository) Leaves() []int {
	hasChild := map[int]bool{}
	for _, p := range r.Plink {
		if p.IsPrim {
			hasChild[p.Pid] = true
		}
	}
	var out []int
	for mrid := range r.checkinFiles {
		if !hasChild[mrid] {
			out = append(out, mrid)
		}
	}
	sort.Ints(out)
	return out
}

// ResolveUUID maps a manifest's stated hash back to its rid, if crosslinked.
func (r *Repository) ResolveUUID(uuid string) (int, bool) {
	if !hashcodec.Valid(uuid) {
		return 0, false
	}
	rid, ok := r.uuidToRid[uuid]
	return rid, ok
}

// FileAt returns the content rid of path as of checkin rid, or 0 if the
// path did not exist at that checkin.
func (r *Repository) FileAt(checkinRid int, path string) int {
	fnid, ok := r.filenameByName[path]
	if !ok {
		return 0
	}
	files, ok := r.checkinFiles[checkinRid]
	if !ok {
		return 0
	}
	return files[fnid]
}

// Manifest returns the full file set (fnid -> content rid) recorded for a
// crosslinked checkin.
func (r *Repository) Manifest(checkinRid int) map[int]int {
	return r.checkinFiles[checkinRid]
}

// Parents returns the parent rids of checkinRid in primary-first order.
func (r *Repository) Parents(checkinRid int) []int {
	var prim int
	var rest []int
	for _, p := range r.Plink {
		if p.Cid != checkinRid {
			continue
		}
		if p.IsPrim {
			prim = p.Pid
		} else {
			rest = append(rest, p.Pid)
		}
	}
	if prim == 0 && len(rest) == 0 {
		return nil
	}
	out := []int{prim}
	return append(out, rest...)
}

// AddVmerge records a merge intent, deduplicating an identical (id, mrid)
// pair already present (§8 property 7: merge idempotence).
func (r *Repository) AddVmerge(id, mrid int) {
	for _, v := range r.Vmerge {
		if v.ID == id && v.Mrid == mrid {
			return
		}
	}
	r.Vmerge = append(r.Vmerge, VmergeRow{ID: id, Mrid: mrid})
}

// AllParents returns, for every crosslinked checkin, both primary and
// non-primary parent rids (used by merge pivot search as extra plink edges,
// including any vmerge-recorded merges on the V side per §4.F).
func (r *Repository) AllParents(checkinRid int) []int {
	var out []int
	for _, p := range r.Plink {
		if p.Cid == checkinRid {
			out = append(out, p.Pid)
		}
	}
	return out
}

// CommitSpec describes a new check-in to build from a working tree. Files
// gives the complete set of tracked paths and their content rids as of this
// check-in (never a diff against the parent) per §4.D's manifest grammar;
// callers (an ordinary edit, or a merge's resolved fv plan) are responsible
// for starting from the checkout base's full tree and applying their own
// adds/edits/deletes/renames before calling Commit.
type CommitSpec struct {
	Date    string
	User    string
	Comment string
	Parents []int           // parent manifest rids, primary first
	Files   map[string]int  // path -> content rid, the full tree
	Renames map[string]string // new path -> old path, for paths renamed since the primary parent
	Tags    []manifest.TagCard
}

// Commit assembles a new check-in manifest's canonical text from spec,
// stores it, and crosslinks it, returning its rid. It is the write-side
// counterpart of crosslinkManifest: where that derives mlink rows from an
// already-written manifest, Commit constructs the manifest in the first
// place from a resolved working tree (the output of an edit or of
// merge.Execute), exactly as fossil's commit command assembles its F-list
// from the checkout's current vfile state.
func (r *Repository) Commit(spec CommitSpec) (int, error) {
	parentHashes := make([]string, len(spec.Parents))
	for i, p := range spec.Parents {
		h := r.Store.Hash(p)
		if h == "" {
			return 0, fmt.Errorf("repo: commit: parent rid %d has no known hash", p)
		}
		parentHashes[i] = h
	}

	cards := make([]manifest.FileCard, 0, len(spec.Files))
	for path, rid := range spec.Files {
		h := r.Store.Hash(rid)
		if h == "" {
			return 0, fmt.Errorf("repo: commit: file %q (rid %d) has no known hash", path, rid)
		}
		cards = append(cards, manifest.FileCard{Name: path, UUID: h, OldName: spec.Renames[path]})
	}

	raw := manifest.BuildManifest(manifest.ManifestSpec{
		Date: spec.Date, User: spec.User, Comment: spec.Comment,
		Parents: parentHashes, Files: cards, Tags: spec.Tags,
	})
	rid, err := r.Put(raw, false)
	if err != nil {
		return 0, err
	}
	art, err := manifest.Parse(raw)
	if err != nil {
		return 0, err
	}
	if err := r.Crosslink(rid, art); err != nil {
		return 0, err
	}
	return rid, nil
}

func (r *Repository) String() string {
	return fmt.Sprintf("repo(mlink=%d plink=%d tagxref=%d event=%d)", len(r.Mlink), len(r.Plink), len(r.Tagxref), len(r.Event))
}
