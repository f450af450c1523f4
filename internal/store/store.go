// Package store implements the content-addressed blob store (§4.A): a
// hash→content mapping with delta parents, phantom placeholders, and
// privacy marking. It is the "A" component of the design: every other
// subsystem reads artifact content through this package.
package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gofossil/fossilgo/internal/config"
	"github.com/gofossil/fossilgo/internal/delta"
	"github.com/gofossil/fossilgo/internal/hashcodec"
)

// Max chain length before a delta walk is declared a loop (§4.A).
const maxChainSteps = 10_000_000

// artifactRow is one row of the conceptual blob table.
type artifactRow struct {
	rid       int
	hash      string
	family    hashcodec.Family
	isPhantom bool
	isPrivate bool
	srcid     int // 0 if full (not a delta)
	size      int // uncompressed size; -1 semantics folded into isPhantom
	payload   []byte // compressed (zstd) content: full text or delta bytes
}

// Store is a content-addressed blob store, scoped to one Repository session
// per the design note in §9 (no package-level globals).
type Store struct {
	logger *logrus.Logger
	cfg    *config.Config

	byRid  map[int]*artifactRow
	byHash map[string]int // hash -> rid
	shunned map[string]bool

	nextRid int

	cache *Cache

	rcvfromRecorded bool // set on the first Put of the session; no rcvfrom row is stored

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New creates an empty store bound to the given config and logger.
func New(logger *logrus.Logger, cfg *config.Config) *Store {
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &Store{
		logger:  logger,
		cfg:     cfg,
		byRid:   make(map[int]*artifactRow),
		byHash:  make(map[string]int),
		shunned: make(map[string]bool),
		nextRid: 1,
		cache:   NewCache(DefaultCacheEntries, DefaultCacheBytes),
		enc:     enc,
		dec:     dec,
	}
}

func (s *Store) compress(b []byte) []byte   { return s.enc.EncodeAll(b, nil) }
func (s *Store) decompress(b []byte) []byte { out, _ := s.dec.DecodeAll(b, nil); return out }

func (s *Store) allocRid() int {
	r := s.nextRid
	s.nextRid++
	return r
}

// chooseHash computes an identity for content under the repository's hash
// policy. If that hash is not yet stored but the content's hash under the
// other family is, the other family's hash is returned so the existing
// entry is reused (§4.B).
func (s *Store) chooseHash(content []byte) (string, hashcodec.Family) {
	fam := hashcodec.PolicyFamily(s.cfg.HashPolicy)
	h := hashcodec.Compute(fam, content)
	if _, exists := s.byHash[h]; exists {
		return h, fam
	}
	other := hashcodec.Other(fam)
	oh := hashcodec.Compute(other, content)
	if _, exists := s.byHash[oh]; exists {
		return oh, other
	}
	return h, fam
}

func (s *Store) recordRcvFrom() {
	if !s.rcvfromRecorded {
		s.logger.Debugf("rcvfrom: first store of this session")
		s.rcvfromRecorded = true
	}
}

// Put computes the hash of content and stores it, dephantomizing an
// existing phantom row or returning the existing rid if already present
// (§4.A).
func (s *Store) Put(content []byte, isPrivate bool) (int, error) {
	hash, fam := s.chooseHash(content)
	s.recordRcvFrom()
	if rid, ok := s.byHash[hash]; ok {
		row := s.byRid[rid]
		if row.isPhantom {
			return s.dephantomize(row, content)
		}
		return rid, nil
	}
	rid := s.allocRid()
	row := &artifactRow{
		rid: rid, hash: hash, family: fam, isPrivate: isPrivate,
		size: len(content), payload: s.compress(content),
	}
	s.byRid[rid] = row
	s.byHash[hash] = rid
	s.cache.Put(rid, content)
	s.markAvailable(rid)
	return rid, nil
}

// PutDelta stores content (already a delta payload) as a delta against the
// artifact identified by srcHash. The source may itself be a phantom.
func (s *Store) PutDelta(deltaBytes []byte, srcHash string, uncompressedSize int, isPrivate bool) (int, error) {
	if !hashcodec.Valid(srcHash) {
		return 0, errors.Errorf("store: invalid source hash %q", srcHash)
	}
	srcRid, ok := s.byHash[srcHash]
	if !ok {
		srcRid = s.newPhantomLocked(srcHash, false)
	}
	// Identity of a delta artifact is the hash of its *reconstructed*
	// content, which is unknown until the source is available; callers that
	// already know the target hash should use Put with a prior reconstruct.
	// Here we key the row by a synthetic rid and defer hash binding until
	// the content is reconstructible, mirroring how Fossil accepts a delta
	// whose target hash is supplied out of band by the transport layer.
	s.recordRcvFrom()
	rid := s.allocRid()
	row := &artifactRow{
		rid: rid, srcid: srcRid, isPrivate: isPrivate,
		size: uncompressedSize, payload: s.compress(deltaBytes),
	}
	s.byRid[rid] = row
	s.invalidateAvailability(rid)
	return rid, nil
}

// BindHash assigns the known content-hash to a delta artifact once its
// identity becomes known to the caller (e.g. from the manifest's own
// stated hash). It is a no-op if already bound.
func (s *Store) BindHash(rid int, hash string) error {
	row, ok := s.byRid[rid]
	if !ok {
		return errors.Errorf("store: no such rid %d", rid)
	}
	if row.hash != "" {
		return nil
	}
	row.hash = hash
	row.family = hashcodec.FamilyOf(hash)
	s.byHash[hash] = rid
	return nil
}

// NewPhantom inserts a row with unknown content and returns its rid (§4.A).
func (s *Store) NewPhantom(hash string, isPrivate bool) int {
	return s.newPhantomLocked(hash, isPrivate)
}

func (s *Store) newPhantomLocked(hash string, isPrivate bool) int {
	if rid, ok := s.byHash[hash]; ok {
		return rid
	}
	rid := s.allocRid()
	s.byRid[rid] = &artifactRow{
		rid: rid, hash: hash, family: hashcodec.FamilyOf(hash),
		isPhantom: true, isPrivate: isPrivate, size: -1,
	}
	s.byHash[hash] = rid
	return rid
}

func (s *Store) dephantomize(row *artifactRow, content []byte) (int, error) {
	row.isPhantom = false
	row.size = len(content)
	row.payload = s.compress(content)
	s.cache.Put(row.rid, content)
	s.markAvailable(row.rid)
	s.invalidateDependents(row.rid)
	s.logger.Debugf("dephantomize: rid=%d hash=%s", row.rid, row.hash)
	return row.rid, nil
}

// invalidateDependents forgets memoised availability for every rid whose
// delta chain passes through rid, recursively. A delta can be received (via
// PutDelta) and crosslinked before its source arrives, at which point
// IsAvailable memoises it as missing; once the source dephantomizes, that
// memoisation must be cleared or the delta would stay "missing" forever.
func (s *Store) invalidateDependents(rid int) {
	for _, child := range s.Children(rid) {
		s.cache.forget(child)
		s.invalidateDependents(child)
	}
}

// RidForHash returns the rid of an existing (possibly phantom) artifact.
func (s *Store) RidForHash(hash string) (int, bool) {
	rid, ok := s.byHash[hash]
	return rid, ok
}

// Hash returns the stable hash of rid, or "" if unknown.
func (s *Store) Hash(rid int) string {
	if row, ok := s.byRid[rid]; ok {
		return row.hash
	}
	return ""
}

// IsPhantom reports whether rid currently has no content.
func (s *Store) IsPhantom(rid int) bool {
	row, ok := s.byRid[rid]
	return ok && row.isPhantom
}

// Size returns the recorded uncompressed size without materializing content
// (§4.A) — cheap.
func (s *Store) Size(rid int) (int, error) {
	row, ok := s.byRid[rid]
	if !ok {
		return 0, fmt.Errorf("store: no such rid %d", rid)
	}
	if row.srcid == 0 {
		return row.size, nil
	}
	return row.size, nil
}

// Get materialises the full content of rid by walking its delta chain with
// an explicit work-stack (constant stack depth per §9), applying deltas
// bottom-up. A chain longer than maxChainSteps fails as a delta loop.
func (s *Store) Get(rid int) ([]byte, error) {
	if content, ok := s.cache.Get(rid); ok {
		return content, nil
	}
	// Walk srcid chain collecting rids from rid up to a full artifact.
	chain := []int{rid}
	seen := map[int]bool{rid: true}
	cur := rid
	steps := 0
	for {
		row, ok := s.byRid[cur]
		if !ok {
			return nil, fmt.Errorf("store: no such rid %d", cur)
		}
		if row.isPhantom {
			return nil, fmt.Errorf("store: rid %d is a phantom (no content)", cur)
		}
		if row.srcid == 0 {
			break
		}
		steps++
		if steps > maxChainSteps {
			return nil, fmt.Errorf("store: delta loop detected at rid %d", rid)
		}
		if seen[row.srcid] {
			return nil, fmt.Errorf("store: delta loop detected at rid %d", rid)
		}
		seen[row.srcid] = true
		chain = append(chain, row.srcid)
		cur = row.srcid
	}
	// chain[len-1] is the full artifact; unwind applying deltas back down.
	base := s.decompress(s.byRid[chain[len(chain)-1]].payload)
	s.cache.Put(chain[len(chain)-1], base)
	content := base
	for i := len(chain) - 2; i >= 0; i-- {
		row := s.byRid[chain[i]]
		d := s.decompress(row.payload)
		out, err := delta.Apply(content, d)
		if err != nil {
			return nil, errors.Wrapf(err, "store: rid %d", chain[i])
		}
		content = out
		// Cache every 8th intermediate result to bound re-traversal cost.
		if i%8 == 0 {
			s.cache.Put(chain[i], content)
		}
	}
	s.cache.Put(rid, content)
	return content, nil
}

func (s *Store) markAvailable(rid int) {
	s.cache.markAvailable(rid)
}

func (s *Store) invalidateAvailability(rid int) {
	s.cache.forget(rid)
}

// IsAvailable walks only the srcid chain (no content materialisation),
// memoising results. A phantom anywhere on the chain means unavailable.
func (s *Store) IsAvailable(rid int) bool {
	if s.cache.isAvailable(rid) {
		return true
	}
	if s.cache.isMissing(rid) {
		return false
	}
	visited := map[int]bool{}
	cur := rid
	for {
		if visited[cur] {
			s.cache.markMissing(rid)
			return false
		}
		visited[cur] = true
		row, ok := s.byRid[cur]
		if !ok || row.isPhantom {
			s.cache.markMissing(rid)
			return false
		}
		if row.srcid == 0 {
			s.cache.markAvailable(rid)
			return true
		}
		cur = row.srcid
	}
}

// MarkPrivate marks rid so it is never transmitted and never used as a
// delta source for a non-private artifact (enforced by Deltify).
func (s *Store) MarkPrivate(rid int) {
	if row, ok := s.byRid[rid]; ok {
		row.isPrivate = true
	}
}

// MakePublic clears the private flag.
func (s *Store) MakePublic(rid int) {
	if row, ok := s.byRid[rid]; ok {
		row.isPrivate = false
	}
}

// IsPrivate reports the privacy flag of rid.
func (s *Store) IsPrivate(rid int) bool {
	row, ok := s.byRid[rid]
	return ok && row.isPrivate
}

// Shun permanently refuses rid's hash: content is removed and the hash may
// never be re-stored.
func (s *Store) Shun(hash string) {
	s.shunned[hash] = true
	if rid, ok := s.byHash[hash]; ok {
		row := s.byRid[rid]
		row.isPhantom = true
		row.payload = nil
		row.size = -1
		s.cache.forget(rid)
	}
}

// IsShunned reports whether hash has been shunned.
func (s *Store) IsShunned(hash string) bool { return s.shunned[hash] }

// DeltaSource returns the srcid of rid, or 0 if rid is full content.
func (s *Store) DeltaSource(rid int) int {
	if row, ok := s.byRid[rid]; ok {
		return row.srcid
	}
	return 0
}

// Deltify re-encodes target as a delta against the smallest-delta candidate
// source, if doing so saves at least 25% of target's size and both inputs
// are at least 50 bytes (§4.A). It never creates a private→public delta
// edge, and undeltifies the chosen source first if it is itself a delta
// descendant of target (breaking the would-be cycle).
func (s *Store) Deltify(target int, candidates []int, force bool) (bool, error) {
	trow, ok := s.byRid[target]
	if !ok || trow.isPhantom {
		return false, nil
	}
	targetContent, err := s.Get(target)
	if err != nil {
		return false, err
	}
	if len(targetContent) < 50 {
		return false, nil
	}
	bestSrc := 0
	bestLen := -1
	var bestDelta []byte
	for _, cand := range candidates {
		if cand == target || s.isAncestorInDeltaGraph(target, cand) {
			continue
		}
		crow, ok := s.byRid[cand]
		if !ok || crow.isPhantom {
			continue
		}
		// Never produce a private -> public delta edge.
		if crow.isPrivate && !trow.isPrivate {
			continue
		}
		candContent, err := s.Get(cand)
		if err != nil {
			continue
		}
		if len(candContent) < 50 {
			continue
		}
		d := delta.Create(candContent, targetContent)
		if bestLen == -1 || len(d) < bestLen {
			bestLen = len(d)
			bestSrc = cand
			bestDelta = d
		}
	}
	if bestSrc == 0 {
		return false, nil
	}
	if !force && float64(bestLen) >= 0.75*float64(len(targetContent)) {
		return false, nil
	}
	// Break any cycle: if bestSrc is a delta descendant of target, undeltify it.
	if s.isAncestorInDeltaGraph(bestSrc, target) {
		if err := s.Undeltify(bestSrc); err != nil {
			return false, err
		}
	}
	trow.srcid = bestSrc
	trow.payload = s.compress(bestDelta)
	s.cache.forget(target)
	s.cache.Put(target, targetContent)
	return true, nil
}

// isAncestorInDeltaGraph reports whether anc is reachable by following
// srcid links starting from rid (i.e. anc is an ancestor of rid in the
// delta graph).
func (s *Store) isAncestorInDeltaGraph(rid, anc int) bool {
	cur := rid
	visited := map[int]bool{}
	for {
		if cur == anc {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		row, ok := s.byRid[cur]
		if !ok || row.srcid == 0 {
			return false
		}
		cur = row.srcid
	}
}

// Undeltify reconstructs rid's full content and stores it full, severing
// its delta-source edge.
func (s *Store) Undeltify(rid int) error {
	row, ok := s.byRid[rid]
	if !ok {
		return fmt.Errorf("store: no such rid %d", rid)
	}
	if row.srcid == 0 {
		return nil
	}
	content, err := s.Get(rid)
	if err != nil {
		return err
	}
	row.srcid = 0
	row.payload = s.compress(content)
	s.cache.forget(rid)
	s.cache.Put(rid, content)
	return nil
}

// Rid returns the rid for a given hash and whether it is known; it never
// allocates a phantom (used by reference-resolution call sites per §7).
func (s *Store) Rid(hash string) (int, bool) {
	rid, ok := s.byHash[hash]
	return rid, ok
}

// AllRids returns every known rid (for rebuild/iteration), in allocation
// order.
func (s *Store) AllRids() []int {
	out := make([]int, 0, len(s.byRid))
	for i := 1; i < s.nextRid; i++ {
		if _, ok := s.byRid[i]; ok {
			out = append(out, i)
		}
	}
	return out
}

// IsFull reports whether rid is stored as full content (not a delta, not a
// phantom).
func (s *Store) IsFull(rid int) bool {
	row, ok := s.byRid[rid]
	return ok && !row.isPhantom && row.srcid == 0
}

// Children returns every rid whose delta source is rid.
func (s *Store) Children(rid int) []int {
	var out []int
	for r, row := range s.byRid {
		if row.srcid == rid {
			out = append(out, r)
		}
	}
	return out
}
