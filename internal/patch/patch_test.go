package patch

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gofossil/fossilgo/internal/config"
	"github.com/gofossil/fossilgo/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg, err := config.Unmarshal(nil)
	require.NoError(t, err)
	return store.New(logger, cfg)
}

func TestCreateViewRoundTrip(t *testing.T) {
	st := newTestStore(t)
	baseRid, err := st.Put([]byte("line one\nline two\n"), false)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	c, err := Create(logger, Config{Baseline: st.Hash(baseRid), User: "alice"}, []FileChange{
		{Path: "x.c", Baseline: baseRid, Content: []byte("line ONE\nline two\n")},
		{Path: "y.c", Deleted: true, Baseline: baseRid},
		{Path: "z.c", Content: []byte("brand new\n")},
	}, st, nil)
	require.NoError(t, err)
	defer c.Close()

	views, err := c.View()
	require.NoError(t, err)
	kinds := map[string]Kind{}
	for _, v := range views {
		kinds[v.Path] = v.Kind
	}
	require.Equal(t, KindEdit, kinds["x.c"])
	require.Equal(t, KindDelete, kinds["y.c"])
	require.Equal(t, KindNew, kinds["z.c"])

	cfg, err := c.Config()
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.User)
}

func TestDiffReconstructsEditedContent(t *testing.T) {
	st := newTestStore(t)
	baseRid, err := st.Put([]byte("line one\nline two\n"), false)
	require.NoError(t, err)

	logger := logrus.New()
	c, err := Create(logger, Config{}, []FileChange{
		{Path: "x.c", Baseline: baseRid, Content: []byte("line ONE\nline two\n")},
	}, st, nil)
	require.NoError(t, err)
	defer c.Close()

	diffs, err := c.Diff(st)
	require.NoError(t, err)
	require.Equal(t, "line ONE\nline two\n", string(diffs["x.c"][1]))
	require.Equal(t, "line one\nline two\n", string(diffs["x.c"][0]))
}

func TestCreateUnchangedRenameHasEmptyDelta(t *testing.T) {
	st := newTestStore(t)
	baseRid, err := st.Put([]byte("same\n"), false)
	require.NoError(t, err)

	logger := logrus.New()
	c, err := Create(logger, Config{}, []FileChange{
		{Path: "new.c", OldPath: "old.c", Baseline: baseRid, Content: []byte("same\n")},
	}, st, nil)
	require.NoError(t, err)
	defer c.Close()

	views, err := c.View()
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, KindRename, views[0].Kind)
}
