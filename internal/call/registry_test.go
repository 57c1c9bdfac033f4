package call

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

func newTestRegistry() (*peerRegistry, *fakeFactory) {
	f := newFakeFactory()
	return newPeerRegistry(f, zerolog.Nop()), f
}

func TestRegistryGetOrCreateIdempotent(t *testing.T) {
	reg, factory := newTestRegistry()

	t1, created, err := reg.getOrCreate("bob", nil)
	require.NoError(t, err)
	assert.True(t, created)

	t2, created, err := reg.getOrCreate("bob", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, t1, t2)
	assert.Equal(t, 1, factory.createdCount())
}

func TestRegistryGetOrCreateConcurrent(t *testing.T) {
	reg, _ := newTestRegistry()

	const n = 16
	results := make([]core.PeerTransport, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			tr, _, err := reg.getOrCreate("bob", nil)
			require.NoError(t, err)
			results[i] = tr
		}(i)
	}
	wg.Wait()

	// Exactly one transport survives; race losers are closed.
	assert.Equal(t, 1, reg.count())
	winner, ok := reg.transport("bob")
	require.True(t, ok)
	for _, tr := range results {
		assert.Same(t, winner, tr)
	}
}

func TestRegistryAttachesTracksBeforeOffer(t *testing.T) {
	reg, factory := newTestRegistry()
	audio := newFakeTrack("a", core.TrackAudio)
	video := newFakeTrack("v", core.TrackVideo)

	_, _, err := reg.getOrCreate("bob", []core.MediaTrack{audio, video, nil})
	require.NoError(t, err)

	tr := factory.transportFor("bob")
	assert.Len(t, tr.tracks, 2)
	assert.Same(t, video, tr.currentVideo())
}

func TestRegistryCandidateBuffering(t *testing.T) {
	reg, factory := newTestRegistry()

	mid := "0"
	c1 := webrtc.ICECandidateInit{Candidate: "candidate-1", SDPMid: &mid}
	c2 := webrtc.ICECandidateInit{Candidate: "candidate-2", SDPMid: &mid}
	c3 := webrtc.ICECandidateInit{Candidate: "candidate-3", SDPMid: &mid}

	// Candidates ahead of the transport itself park in the orphan queue.
	reg.addCandidate("bob", c1)

	_, _, err := reg.getOrCreate("bob", nil)
	require.NoError(t, err)
	tr := factory.transportFor("bob")

	// Still buffered: no remote description yet.
	reg.addCandidate("bob", c2)
	assert.Empty(t, tr.candidateSnapshot())

	require.NoError(t, reg.setRemote("bob", webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: "offer",
	}))
	assert.True(t, tr.remoteApplied())

	// Flushed in arrival order, orphans first.
	got := tr.candidateSnapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "candidate-1", got[0].Candidate)
	assert.Equal(t, "candidate-2", got[1].Candidate)

	// After the remote description, candidates apply directly.
	reg.addCandidate("bob", c3)
	got = tr.candidateSnapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "candidate-3", got[2].Candidate)
}

func TestRegistrySetRemoteUnknownPeer(t *testing.T) {
	reg, _ := newTestRegistry()
	err := reg.setRemote("nobody", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "x"})
	assert.Error(t, err)
}

func TestRegistryCloseDetachesCallbacks(t *testing.T) {
	reg, factory := newTestRegistry()

	var mu sync.Mutex
	stateChanges := 0
	reg.onStateChange = func(remote domain.UserID, s core.PeerState) {
		mu.Lock()
		stateChanges++
		mu.Unlock()
	}

	_, _, err := reg.getOrCreate("bob", nil)
	require.NoError(t, err)
	tr := factory.transportFor("bob")

	assert.True(t, reg.close("bob"))
	assert.True(t, tr.isClosed())
	assert.Equal(t, 0, reg.count())

	// Late state callbacks from a closed transport go nowhere.
	tr.fireState(core.PeerFailed)
	mu.Lock()
	assert.Equal(t, 0, stateChanges)
	mu.Unlock()

	assert.False(t, reg.close("bob"))
}

func TestRegistryApplyEncodingSkipsFailures(t *testing.T) {
	reg, factory := newTestRegistry()
	_, _, err := reg.getOrCreate("bob", nil)
	require.NoError(t, err)
	_, _, err = reg.getOrCreate("carol", nil)
	require.NoError(t, err)

	factory.transportFor("bob").failEncoding = assert.AnError

	applyQuality(reg, QualityFair, zerolog.Nop())

	enc, ok := factory.transportFor("carol").lastEncoding()
	require.True(t, ok)
	assert.Equal(t, encodingFor(QualityFair), enc)
	_, ok = factory.transportFor("bob").lastEncoding()
	assert.False(t, ok)
}
