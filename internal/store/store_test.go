package store

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gofossil/fossilgo/internal/config"
	"github.com/gofossil/fossilgo/internal/delta"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg, err := config.Unmarshal(nil)
	require.NoError(t, err)
	return New(logger, cfg)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	content := []byte("hello, fossil\n")
	rid, err := s.Put(content, false)
	require.NoError(t, err)
	got, err := s.Get(rid)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestPutIsIdempotentForSameContent(t *testing.T) {
	s := newTestStore(t)
	content := []byte("same bytes twice")
	rid1, err := s.Put(content, false)
	require.NoError(t, err)
	rid2, err := s.Put(content, false)
	require.NoError(t, err)
	require.Equal(t, rid1, rid2)
}

func TestDephantomize(t *testing.T) {
	s := newTestStore(t)
	content := []byte(strings.Repeat("phantom test content ", 10))
	hash, _ := s.chooseHash(content)
	rid := s.NewPhantom(hash, false)
	require.True(t, s.IsPhantom(rid))

	got, err := s.Put(content, false)
	require.NoError(t, err)
	require.Equal(t, rid, got)
	require.False(t, s.IsPhantom(rid))

	out, err := s.Get(rid)
	require.NoError(t, err)
	require.Equal(t, content, out)
}

func TestDeltifyProducesRecoverableContent(t *testing.T) {
	s := newTestStore(t)
	base := []byte(strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20))
	modified := append([]byte("PREFIX: "), base...)

	srcRid, err := s.Put(base, false)
	require.NoError(t, err)
	targetRid, err := s.Put(modified, false)
	require.NoError(t, err)

	ok, err := s.Deltify(targetRid, []int{srcRid}, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, srcRid, s.DeltaSource(targetRid))

	out, err := s.Get(targetRid)
	require.NoError(t, err)
	require.Equal(t, modified, out)
}

func TestDeltifyNeverProducesPrivateToPublicEdge(t *testing.T) {
	s := newTestStore(t)
	base := []byte(strings.Repeat("private base content here ", 20))
	modified := append([]byte("changed: "), base...)

	privSrc, err := s.Put(base, true)
	require.NoError(t, err)
	pubTarget, err := s.Put(modified, false)
	require.NoError(t, err)

	ok, err := s.Deltify(pubTarget, []int{privSrc}, true)
	require.NoError(t, err)
	require.False(t, ok, "must not delta a public artifact against a private source")
}

func TestUndeltifyBreaksChain(t *testing.T) {
	s := newTestStore(t)
	base := []byte(strings.Repeat("base content for undeltify test ", 20))
	modified := append([]byte("X"), base...)
	srcRid, _ := s.Put(base, false)
	targetRid, _ := s.Put(modified, false)
	_, err := s.Deltify(targetRid, []int{srcRid}, true)
	require.NoError(t, err)
	require.NotZero(t, s.DeltaSource(targetRid))

	require.NoError(t, s.Undeltify(targetRid))
	require.Zero(t, s.DeltaSource(targetRid))
	out, err := s.Get(targetRid)
	require.NoError(t, err)
	require.Equal(t, modified, out)
}

func TestIsAvailableFollowsSrcidChain(t *testing.T) {
	s := newTestStore(t)
	base := []byte(strings.Repeat("chain availability test content ", 20))
	modified := append([]byte("Y"), base...)
	srcRid, _ := s.Put(base, false)
	targetRid, _ := s.Put(modified, false)
	_, err := s.Deltify(targetRid, []int{srcRid}, true)
	require.NoError(t, err)
	require.True(t, s.IsAvailable(targetRid))

	phantomHash, _ := s.chooseHash([]byte("some other content entirely, not stored"))
	phantomRid := s.NewPhantom(phantomHash, false)
	require.False(t, s.IsAvailable(phantomRid))
}

// TestDeltaReceivedBeforeItsSourceBecomesGettableOnceSourceArrives exercises
// the transfer-time case where a delta artifact is received and its
// identity bound (PutDelta + BindHash) before the source content it deltas
// against has arrived: the artifact must report unavailable until the
// source is received, then become gettable without any further action.
func TestDeltaReceivedBeforeItsSourceBecomesGettableOnceSourceArrives(t *testing.T) {
	s := newTestStore(t)
	srcContent := []byte(strings.Repeat("base content for a delta source ", 6))
	srcHash, _ := s.chooseHash(srcContent)

	targetContent := append(append([]byte{}, srcContent...), []byte("\nplus an appended tail\n")...)
	targetHash, _ := s.chooseHash(targetContent)
	deltaBytes := delta.Create(srcContent, targetContent)

	rid, err := s.PutDelta(deltaBytes, srcHash, len(targetContent), false)
	require.NoError(t, err)
	require.NoError(t, s.BindHash(rid, targetHash))

	require.False(t, s.IsAvailable(rid))
	_, err = s.Get(rid)
	require.Error(t, err)

	_, err = s.Put(srcContent, false)
	require.NoError(t, err)

	require.True(t, s.IsAvailable(rid))
	got, err := s.Get(rid)
	require.NoError(t, err)
	require.Equal(t, targetContent, got)

	gotRid, ok := s.RidForHash(targetHash)
	require.True(t, ok)
	require.Equal(t, rid, gotRid)
}

func TestDeltaLoopDetected(t *testing.T) {
	s := newTestStore(t)
	a := []byte(strings.Repeat("loop test a ", 10))
	b := append([]byte("b"), a...)
	ridA, _ := s.Put(a, false)
	ridB, _ := s.Put(b, false)
	_, err := s.Deltify(ridB, []int{ridA}, true)
	require.NoError(t, err)
	// Force an artificial cycle by directly mutating the row (white-box).
	s.byRid[ridA].srcid = ridB
	s.cache.forget(ridA)
	_, err = s.Get(ridA)
	require.Error(t, err)
}
