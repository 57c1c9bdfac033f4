package call

import (
	"sync"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

// Participant is one endpoint of a session. Exactly one participant per
// session is local; its Stream is owned by the local media controller.
// Remote streams only lend track references received over the transport.
type Participant struct {
	User    domain.User
	IsLocal bool
	Flags   domain.StatusFlags
	Stream  core.MediaStream
}

func (p *Participant) clone() *Participant {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// remoteStream accumulates the tracks a transport delivers for one remote
// participant.
type remoteStream struct {
	id string

	mu     sync.RWMutex
	tracks []core.MediaTrack
}

func newRemoteStream(id string) *remoteStream {
	return &remoteStream{id: id}
}

func (s *remoteStream) add(t core.MediaTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *remoteStream) ID() string { return s.id }

func (s *remoteStream) AudioTracks() []core.MediaTrack { return s.byKind(core.TrackAudio) }
func (s *remoteStream) VideoTracks() []core.MediaTrack { return s.byKind(core.TrackVideo) }

func (s *remoteStream) byKind(kind core.TrackKind) []core.MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.MediaTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Close is a no-op: remote tracks are owned by their transport and die
// with it.
func (s *remoteStream) Close() {}
