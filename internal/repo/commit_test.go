package repo

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gofossil/fossilgo/internal/config"
	"github.com/gofossil/fossilgo/internal/manifest"
	"github.com/gofossil/fossilgo/internal/store"
)

func newCommitHarness(t *testing.T) (*store.Store, *Repository) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg, err := config.Unmarshal(nil)
	require.NoError(t, err)
	st := store.New(logger, cfg)
	return st, New(logger, cfg, st)
}

// TestCommitCreatesNewBranchHead exercises Commit building a child checkin
// off an existing root, the way starting a new branch does: the child's
// tree inherits the root's file unchanged and adds one of its own, and a
// propagating branch tag names the result.
func TestCommitCreatesNewBranchHead(t *testing.T) {
	st, r := newCommitHarness(t)
	f1, err := st.Put([]byte("trunk content\n"), false)
	require.NoError(t, err)

	root, err := r.Commit(CommitSpec{
		Date: "2026-01-01T00:00:00", User: "alice", Comment: "initial",
		Files: map[string]int{"a.txt": f1},
	})
	require.NoError(t, err)
	require.Equal(t, []int{root}, r.Leaves())

	f2, err := st.Put([]byte("feature content\n"), false)
	require.NoError(t, err)
	branch, err := r.Commit(CommitSpec{
		Date: "2026-01-02T00:00:00", User: "alice", Comment: "start feature branch",
		Parents: []int{root},
		Files:   map[string]int{"a.txt": f1, "b.txt": f2},
		Tags:    []manifest.TagCard{{Kind: '*', Name: "branch", Target: "*", Value: "feature"}},
	})
	require.NoError(t, err)

	require.Equal(t, []int{root}, r.Parents(branch))
	require.Equal(t, []int{branch}, r.Leaves(), "root is no longer a leaf once it has a primary child")
	require.Equal(t, f1, r.FileAt(branch, "a.txt"))
	require.Equal(t, f2, r.FileAt(branch, "b.txt"))

	var sawBranchTag bool
	for _, row := range r.Tagxref {
		if r.TagNameOf(row.TagID) == "branch" && row.Rid == branch && row.Value == "feature" {
			sawBranchTag = true
		}
	}
	require.True(t, sawBranchTag)

	// a.txt is unchanged from root to branch: it must not produce an mlink row.
	var branchRows int
	for _, row := range r.Mlink {
		if row.Mid == branch {
			branchRows++
		}
	}
	require.Equal(t, 1, branchRows, "only b.txt is new; a.txt carries over unchanged")
}

// TestCommitMergeWithRenameLinksBothParentsWithConsistentFileList builds a
// merge checkin with two parents — one that edited a file's content and one
// that renamed the same file without touching its content — and checks that
// the resulting checkin's file list, parent linkage, and per-parent mlink
// rows are all internally consistent: the merge keeps exactly one current
// path carrying the edited content, linked to both parents with the rename
// and the aux parent correctly marked.
func TestCommitMergeWithRenameLinksBothParentsWithConsistentFileList(t *testing.T) {
	st, r := newCommitHarness(t)
	f1, err := st.Put([]byte("shared base\n"), false)
	require.NoError(t, err)
	root, err := r.Commit(CommitSpec{
		Date: "2026-01-01T00:00:00", User: "alice", Comment: "root",
		Files: map[string]int{"a.txt": f1},
	})
	require.NoError(t, err)

	// Primary line: edits a.txt's content, keeps its name.
	f2, err := st.Put([]byte("edited on trunk\n"), false)
	require.NoError(t, err)
	primary, err := r.Commit(CommitSpec{
		Date: "2026-01-02T00:00:00", User: "alice", Comment: "edit a.txt",
		Parents: []int{root},
		Files:   map[string]int{"a.txt": f2},
	})
	require.NoError(t, err)

	// Side line: renames a.txt to b.txt, content unchanged.
	side, err := r.Commit(CommitSpec{
		Date: "2026-01-02T00:00:00", User: "bob", Comment: "rename a.txt to b.txt",
		Parents: []int{root},
		Files:   map[string]int{"b.txt": f1},
		Renames: map[string]string{"b.txt": "a.txt"},
	})
	require.NoError(t, err)
	require.Equal(t, []int{root}, r.Parents(primary))
	require.Equal(t, []int{root}, r.Parents(side))

	// Merge: primary first, carries the rename forward and keeps the
	// primary's edited content under the renamed path.
	merged, err := r.Commit(CommitSpec{
		Date: "2026-01-03T00:00:00", User: "alice", Comment: "merge side into primary",
		Parents: []int{primary, side},
		Files:   map[string]int{"b.txt": f2},
		Renames: map[string]string{"b.txt": "a.txt"},
	})
	require.NoError(t, err)

	require.Equal(t, []int{primary, side}, r.Parents(merged))
	require.Equal(t, f2, r.FileAt(merged, "b.txt"))
	require.Equal(t, 0, r.FileAt(merged, "a.txt"), "a.txt no longer exists as a path once renamed")

	var fromPrimary, fromSide []MlinkRow
	for _, row := range r.Mlink {
		if row.Mid != merged {
			continue
		}
		if row.IsAux {
			fromSide = append(fromSide, row)
		} else {
			fromPrimary = append(fromPrimary, row)
		}
	}

	require.Len(t, fromPrimary, 1, "one merge-join row: a rename carrying the primary parent's a.txt forward as b.txt")
	require.Equal(t, "a.txt", r.FilenameOf(fromPrimary[0].Pfnid))
	require.Equal(t, "b.txt", r.FilenameOf(fromPrimary[0].Fnid))
	require.Equal(t, f2, fromPrimary[0].Pid, "content unchanged from the primary parent's a.txt")
	require.Equal(t, f2, fromPrimary[0].Fid)
	require.Zero(t, fromPrimary[0].Pmid, "primary parent rows carry no pmid")

	require.Len(t, fromSide, 1, "b.txt's content differs from the side parent's own b.txt: one edit row")
	require.Equal(t, "b.txt", r.FilenameOf(fromSide[0].Pfnid))
	require.Equal(t, "b.txt", r.FilenameOf(fromSide[0].Fnid))
	require.Equal(t, f1, fromSide[0].Pid, "side parent's b.txt still holds the original, unedited content")
	require.Equal(t, f2, fromSide[0].Fid)
	require.Equal(t, side, fromSide[0].Pmid, "aux rows are tagged with their originating parent's manifest rid")
}
