package call

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

var errNoLocalStream = errors.New("no local stream")

// localMedia owns the capture device stream and the enable state of its
// tracks. Tracks are released only on full session cleanup; mute and
// video-off just flip track.Enabled so re-enabling is instant.
type localMedia struct {
	capture core.CaptureDevice
	log     zerolog.Logger

	mu      sync.Mutex
	stream  core.MediaStream
	camera  core.MediaTrack
	screen  core.MediaStream
	flags   domain.StatusFlags
	sharing bool
}

func newLocalMedia(capture core.CaptureDevice, logger zerolog.Logger) *localMedia {
	return &localMedia{capture: capture, log: logger}
}

func (m *localMedia) acquire(c core.MediaConstraints) error {
	stream, err := m.capture.Capture(c)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrDeviceUnavailable, err)
	}
	m.mu.Lock()
	m.stream = stream
	m.camera = firstTrack(stream.VideoTracks())
	m.flags = domain.StatusFlags{}
	m.sharing = false
	m.mu.Unlock()
	m.log.Info().Bool("video", c.Video).Int("width", c.Width).Int("height", c.Height).Msg("local media acquired")
	return nil
}

func (m *localMedia) ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

func (m *localMedia) localStream() core.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

func (m *localMedia) statusFlags() domain.StatusFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// tracks returns what should be attached to a new transport: local audio
// plus whichever video source is currently live (camera or screen).
func (m *localMedia) tracks() []core.MediaTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	out := make([]core.MediaTrack, 0, 2)
	if a := firstTrack(m.stream.AudioTracks()); a != nil {
		out = append(out, a)
	}
	if v := m.activeVideoLocked(); v != nil {
		out = append(out, v)
	}
	return out
}

func (m *localMedia) activeVideoLocked() core.MediaTrack {
	if m.sharing && m.screen != nil {
		return firstTrack(m.screen.VideoTracks())
	}
	return m.camera
}

// toggleMute flips the audio track without stopping it.
func (m *localMedia) toggleMute() (domain.StatusFlags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return m.flags, errNoLocalStream
	}
	m.flags.Muted = !m.flags.Muted
	if a := firstTrack(m.stream.AudioTracks()); a != nil {
		a.SetEnabled(!m.flags.Muted)
	}
	return m.flags, nil
}

func (m *localMedia) toggleVideo() (domain.StatusFlags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return m.flags, errNoLocalStream
	}
	m.flags.VideoOff = !m.flags.VideoOff
	if m.camera != nil {
		m.camera.SetEnabled(!m.flags.VideoOff)
	}
	return m.flags, nil
}

func (m *localMedia) toggleHandRaise() domain.StatusFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags.HandRaised = !m.flags.HandRaised
	return m.flags
}

func (m *localMedia) setSpeaking(speaking bool) (domain.StatusFlags, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.flags.Speaking != speaking
	m.flags.Speaking = speaking
	return m.flags, changed
}

func (m *localMedia) isSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharing
}

// startScreenShare acquires a display stream and hands its video track to
// replace (which swaps every outbound sender in place, no renegotiation).
// onEnded fires when the user stops sharing from system UI.
func (m *localMedia) startScreenShare(replace func(core.MediaTrack), onEnded func()) error {
	m.mu.Lock()
	if m.stream == nil {
		m.mu.Unlock()
		return errNoLocalStream
	}
	if m.sharing {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	display, err := m.capture.CaptureDisplay()
	if err != nil {
		// The user stays on camera; call state is untouched.
		m.log.Warn().Err(err).Msg("screen capture failed")
		return fmt.Errorf("%w: %w", core.ErrDeviceUnavailable, err)
	}
	track := firstTrack(display.VideoTracks())
	if track == nil {
		display.Close()
		return fmt.Errorf("%w: display stream has no video track", core.ErrDeviceUnavailable)
	}

	m.mu.Lock()
	m.screen = display
	m.sharing = true
	m.mu.Unlock()

	track.OnEnded(onEnded)
	replace(track)
	m.log.Info().Msg("screen share started")
	return nil
}

// stopScreenShare reverts every sender to the original camera track object
// and releases the display stream.
func (m *localMedia) stopScreenShare(replace func(core.MediaTrack)) {
	m.mu.Lock()
	if !m.sharing {
		m.mu.Unlock()
		return
	}
	display := m.screen
	camera := m.camera
	m.screen = nil
	m.sharing = false
	m.mu.Unlock()

	replace(camera)
	if display != nil {
		display.Close()
	}
	m.log.Info().Msg("screen share stopped")
}

// release stops all tracks and drops the stream reference. Only full
// session cleanup calls this.
func (m *localMedia) release() {
	m.mu.Lock()
	stream := m.stream
	display := m.screen
	m.stream = nil
	m.screen = nil
	m.camera = nil
	m.sharing = false
	m.flags = domain.StatusFlags{}
	m.mu.Unlock()

	if display != nil {
		display.Close()
	}
	if stream != nil {
		stream.Close()
		m.log.Info().Msg("local media released")
	}
}

func firstTrack(tracks []core.MediaTrack) core.MediaTrack {
	if len(tracks) == 0 {
		return nil
	}
	return tracks[0]
}
