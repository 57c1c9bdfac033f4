package rtc

import (
	"github.com/google/uuid"

	"github.com/huddlekit/huddle/internal/core"
)

// StaticDevice satisfies the capture interface with RTP-fed local tracks.
// The tracks carry nothing until something writes packets into them: the
// application pumps encoded frames through LocalTrack.Write. Useful for
// headless peers and tests.
type StaticDevice struct{}

func NewStaticDevice() *StaticDevice { return &StaticDevice{} }

func (d *StaticDevice) Capture(c core.MediaConstraints) (core.MediaStream, error) {
	s := &staticStream{id: uuid.NewString()}
	if c.Audio {
		track, err := NewLocalAudioTrack(uuid.NewString(), s.id)
		if err != nil {
			return nil, err
		}
		s.audio = append(s.audio, track)
	}
	if c.Video {
		track, err := NewLocalVideoTrack(uuid.NewString(), s.id)
		if err != nil {
			return nil, err
		}
		s.video = append(s.video, track)
	}
	return s, nil
}

func (d *StaticDevice) CaptureDisplay() (core.MediaStream, error) {
	s := &staticStream{id: uuid.NewString()}
	track, err := NewLocalVideoTrack(uuid.NewString(), s.id)
	if err != nil {
		return nil, err
	}
	s.video = append(s.video, track)
	return s, nil
}

type staticStream struct {
	id    string
	audio []core.MediaTrack
	video []core.MediaTrack
}

func (s *staticStream) ID() string                     { return s.id }
func (s *staticStream) AudioTracks() []core.MediaTrack { return s.audio }
func (s *staticStream) VideoTracks() []core.MediaTrack { return s.video }

func (s *staticStream) Close() {
	for _, t := range s.audio {
		t.Close()
	}
	for _, t := range s.video {
		t.Close()
	}
}
