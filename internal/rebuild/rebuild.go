// Package rebuild implements full index regeneration and the directory-tree
// export/import pair (§4.I): rebuild, deconstruct, reconstruct.
package rebuild

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/alitto/pond"
	"github.com/sirupsen/logrus"

	"github.com/gofossil/fossilgo/internal/hashcodec"
	"github.com/gofossil/fossilgo/internal/manifest"
	"github.com/gofossil/fossilgo/internal/repo"
	"github.com/gofossil/fossilgo/internal/store"
)

// Rebuild iterates every full artifact, depth-first expanding its delta
// tree so every descendant is materialised exactly once, and crosslinks
// every artifact that parses as a control artifact. It resets r's derived
// tables before repopulating them, as if run inside one transaction.
func Rebuild(logger *logrus.Logger, st *store.Store, r *repo.Repository) error {
	r.Reset()

	for _, rid := range st.AllRids() {
		if !st.IsFull(rid) {
			continue
		}
		if err := expandAndCrosslink(st, r, rid); err != nil {
			return fmt.Errorf("rebuild: rid %d: %w", rid, err)
		}
	}
	return nil
}

// expandAndCrosslink depth-first walks rid's delta-children tree using an
// explicit stack (constant native stack depth per §9), crosslinking every
// node exactly once.
func expandAndCrosslink(st *store.Store, r *repo.Repository, rid int) error {
	stack := []int{rid}
	visited := map[int]bool{}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if err := crosslinkIfControlArtifact(st, r, cur); err != nil {
			return err
		}
		children := st.Children(cur)
		sort.Ints(children)
		stack = append(stack, children...)
	}
	return nil
}

func crosslinkIfControlArtifact(st *store.Store, r *repo.Repository, rid int) error {
	if !st.IsAvailable(rid) {
		return nil
	}
	content, err := st.Get(rid)
	if err != nil {
		return err
	}
	art, err := manifest.Parse(content)
	if err != nil {
		// Not every artifact is a control artifact (plain file blobs are
		// never crosslinked); a parse failure here just means "not one".
		return nil
	}
	return r.Crosslink(rid, art)
}

// Deconstruct writes every artifact's content (private ones only if
// exportPrivate) to
// <destdir>/<AA>/<rest>, where AA is prefixLen hex characters of the hash
// (default 2). Artifact rid 1 is additionally recorded in <destdir>/.rid1.
// If exportPrivate, private hashes are listed in <destdir>/.private. The
// per-artifact reads and writes run concurrently across a worker pool,
// since artifact content is independent and this is the step export of a
// large repository spends most of its wall time in.
func Deconstruct(st *store.Store, destdir string, prefixLen int, exportPrivate bool) error {
	if prefixLen <= 0 {
		prefixLen = 2
	}
	if err := os.MkdirAll(destdir, 0o755); err != nil {
		return err
	}

	pool := pond.New(runtime.NumCPU(), 0, pond.MinWorkers(4))

	var mu sync.Mutex
	var privateHashes []string
	var firstErr error
	var rid1Rel string

	recordErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, rid := range st.AllRids() {
		rid := rid
		if st.IsPhantom(rid) {
			continue
		}
		isPrivate := st.IsPrivate(rid)
		if isPrivate && !exportPrivate {
			continue
		}
		hash := st.Hash(rid)
		if hash == "" || len(hash) <= prefixLen {
			continue
		}
		pool.Submit(func() {
			content, err := st.Get(rid)
			if err != nil {
				recordErr(fmt.Errorf("rebuild: deconstruct rid %d: %w", rid, err))
				return
			}
			dir := filepath.Join(destdir, hash[:prefixLen])
			if err := os.MkdirAll(dir, 0o755); err != nil {
				recordErr(err)
				return
			}
			path := filepath.Join(dir, hash[prefixLen:])
			if err := os.WriteFile(path, content, 0o644); err != nil {
				recordErr(err)
				return
			}
			mu.Lock()
			if rid == 1 {
				rid1Rel = filepath.Join(hash[:prefixLen], hash[prefixLen:])
			}
			if isPrivate {
				privateHashes = append(privateHashes, hash)
			}
			mu.Unlock()
		})
	}
	pool.StopAndWait()
	if firstErr != nil {
		return firstErr
	}

	if rid1Rel != "" {
		if err := os.WriteFile(filepath.Join(destdir, ".rid1"), []byte(rid1Rel+"\n"), 0o644); err != nil {
			return err
		}
	}
	if exportPrivate && len(privateHashes) > 0 {
		sort.Strings(privateHashes)
		var b strings.Builder
		for _, h := range privateHashes {
			b.WriteString(h)
			b.WriteString("\n")
		}
		if err := os.WriteFile(filepath.Join(destdir, ".private"), []byte(b.String()), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Reconstruct recursively reads destdir, `put`ting the content of every
// file whose name (directory prefix + basename) is a valid hex hash. If
// `.rid1` exists it is ingested first so it claims rid=1. After ingestion,
// Rebuild regenerates the derived index. If `.private` exists, the listed
// hashes are re-marked private.
func Reconstruct(logger *logrus.Logger, st *store.Store, r *repo.Repository, destdir string) error {
	rid1Path, rid1Rel := readRid1(destdir)
	if rid1Path != "" {
		if _, err := ingestFile(st, rid1Path); err != nil {
			return fmt.Errorf("rebuild: reconstruct .rid1 %s: %w", rid1Rel, err)
		}
	}

	var files []string
	err := filepath.Walk(destdir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild: walk %s: %w", destdir, err)
	}
	sort.Strings(files)
	for _, path := range files {
		if path == rid1Path {
			continue
		}
		hash := hashFromPath(destdir, path)
		if !hashcodec.Valid(hash) {
			continue
		}
		if _, err := ingestFile(st, path); err != nil {
			return fmt.Errorf("rebuild: reconstruct %s: %w", path, err)
		}
	}

	if err := Rebuild(logger, st, r); err != nil {
		return err
	}

	if privatePath := filepath.Join(destdir, ".private"); fileExists(privatePath) {
		hashes, err := readLines(privatePath)
		if err != nil {
			return err
		}
		for _, h := range hashes {
			if rid, ok := st.RidForHash(h); ok {
				st.MarkPrivate(rid)
			}
		}
	}
	return nil
}

func ingestFile(st *store.Store, path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return st.Put(content, false)
}

func hashFromPath(destdir, path string) string {
	rel, err := filepath.Rel(destdir, path)
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(rel, string(filepath.Separator), "")
}

func readRid1(destdir string) (path string, rel string) {
	p := filepath.Join(destdir, ".rid1")
	lines, err := readLines(p)
	if err != nil || len(lines) == 0 {
		return "", ""
	}
	rel = lines[0]
	return filepath.Join(destdir, filepath.FromSlash(rel)), rel
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
