package call

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

// peerRegistry keeps the 1:1 mapping from remote participant to live
// transport. Creation is idempotent: never more than one transport per id.
type peerRegistry struct {
	factory core.TransportFactory
	log     zerolog.Logger

	// Wired by the owning session before first use; invoked from
	// transport goroutines, never under the registry lock.
	onCandidate   func(remote domain.UserID, c webrtc.ICECandidateInit)
	onRemoteTrack func(remote domain.UserID, t core.MediaTrack)
	onStateChange func(remote domain.UserID, s core.PeerState)

	mu    sync.Mutex
	links map[domain.UserID]*peerLink
	// Candidates that raced ahead of the offer that names their sender.
	orphans map[domain.UserID][]webrtc.ICECandidateInit
}

// peerLink buffers remote candidates until the remote description lands,
// then flushes them in arrival order.
type peerLink struct {
	transport core.PeerTransport
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newPeerRegistry(factory core.TransportFactory, logger zerolog.Logger) *peerRegistry {
	return &peerRegistry{
		factory: factory,
		log:     logger,
		links:   make(map[domain.UserID]*peerLink),
		orphans: make(map[domain.UserID][]webrtc.ICECandidateInit),
	}
}

// getOrCreate returns the transport for remote, constructing and wiring it
// on first use. localTracks are attached before any offer/answer exchange.
func (r *peerRegistry) getOrCreate(remote domain.UserID, localTracks []core.MediaTrack) (core.PeerTransport, bool, error) {
	r.mu.Lock()
	if link, ok := r.links[remote]; ok {
		r.mu.Unlock()
		return link.transport, false, nil
	}
	r.mu.Unlock()

	t, err := r.factory.New(remote)
	if err != nil {
		return nil, false, fmt.Errorf("new transport for %s: %w", remote, err)
	}
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if r.onCandidate != nil {
			r.onCandidate(remote, c)
		}
	})
	t.OnTrack(func(track core.MediaTrack) {
		if r.onRemoteTrack != nil {
			r.onRemoteTrack(remote, track)
		}
	})
	t.OnStateChange(func(s core.PeerState) {
		if r.onStateChange != nil {
			r.onStateChange(remote, s)
		}
	})
	for _, track := range localTracks {
		if track == nil {
			continue
		}
		if err := t.AddTrack(track); err != nil {
			t.Close()
			return nil, false, fmt.Errorf("attach %s track: %w", track.Kind(), err)
		}
	}

	r.mu.Lock()
	if link, ok := r.links[remote]; ok {
		// Lost the race; keep the first transport.
		r.mu.Unlock()
		t.Close()
		return link.transport, false, nil
	}
	link := &peerLink{transport: t, pending: r.orphans[remote]}
	delete(r.orphans, remote)
	r.links[remote] = link
	r.mu.Unlock()

	r.log.Info().Str("remote", string(remote)).Msg("transport created")
	return t, true, nil
}

// setRemote applies the remote description and flushes buffered candidates.
func (r *peerRegistry) setRemote(remote domain.UserID, sdp webrtc.SessionDescription) error {
	r.mu.Lock()
	link, ok := r.links[remote]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no transport for %s", remote)
	}
	r.mu.Unlock()

	if err := link.transport.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote description for %s: %w", remote, err)
	}

	r.mu.Lock()
	link.remoteSet = true
	pending := link.pending
	link.pending = nil
	r.mu.Unlock()

	for _, c := range pending {
		if err := link.transport.AddICECandidate(c); err != nil {
			r.log.Warn().Err(err).Str("remote", string(remote)).Msg("buffered candidate rejected")
		}
	}
	return nil
}

// addCandidate applies a remote candidate, buffering it when the remote
// description (or the whole transport) has not arrived yet.
func (r *peerRegistry) addCandidate(remote domain.UserID, c webrtc.ICECandidateInit) {
	r.mu.Lock()
	link, ok := r.links[remote]
	if !ok {
		r.orphans[remote] = append(r.orphans[remote], c)
		r.mu.Unlock()
		return
	}
	if !link.remoteSet {
		link.pending = append(link.pending, c)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := link.transport.AddICECandidate(c); err != nil {
		r.log.Warn().Err(err).Str("remote", string(remote)).Msg("candidate rejected")
	}
}

func (r *peerRegistry) transport(remote domain.UserID) (core.PeerTransport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.links[remote]
	if !ok {
		return nil, false
	}
	return link.transport, true
}

func (r *peerRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

func (r *peerRegistry) snapshot() []core.PeerTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.PeerTransport, 0, len(r.links))
	for _, link := range r.links {
		out = append(out, link.transport)
	}
	return out
}

// replaceVideoAll swaps the outbound video track on every live transport.
func (r *peerRegistry) replaceVideoAll(t core.MediaTrack, logger zerolog.Logger) {
	for _, pt := range r.snapshot() {
		if err := pt.ReplaceVideoTrack(t); err != nil {
			logger.Warn().Err(err).Msg("video track replace skipped")
		}
	}
}

// applyEncodingAll retunes every live transport, skipping failures.
func (r *peerRegistry) applyEncodingAll(p core.EncodingParams, logger zerolog.Logger) {
	for _, pt := range r.snapshot() {
		if err := pt.SetVideoEncoding(p); err != nil {
			logger.Warn().Err(err).Msg("encoding update skipped")
		}
	}
}

// close tears down one transport. Callbacks are detached first so the
// teardown itself cannot re-enter the owner.
func (r *peerRegistry) close(remote domain.UserID) bool {
	r.mu.Lock()
	link, ok := r.links[remote]
	if ok {
		delete(r.links, remote)
	}
	delete(r.orphans, remote)
	r.mu.Unlock()
	if !ok {
		return false
	}
	link.transport.OnICECandidate(nil)
	link.transport.OnTrack(nil)
	link.transport.OnStateChange(nil)
	link.transport.Close()
	r.log.Info().Str("remote", string(remote)).Msg("transport closed")
	return true
}

func (r *peerRegistry) closeAll() {
	r.mu.Lock()
	links := r.links
	r.links = make(map[domain.UserID]*peerLink)
	r.orphans = make(map[domain.UserID][]webrtc.ICECandidateInit)
	r.mu.Unlock()
	for remote, link := range links {
		link.transport.OnICECandidate(nil)
		link.transport.OnTrack(nil)
		link.transport.OnStateChange(nil)
		link.transport.Close()
		r.log.Debug().Str("remote", string(remote)).Msg("transport closed")
	}
}
