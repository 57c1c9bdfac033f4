package call

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/huddlekit/huddle/internal/core"
)

func TestCaptureConstraintsPerTier(t *testing.T) {
	tests := []struct {
		quality QualityLevel
		width   int
		height  int
		fps     int
	}{
		{QualityExcellent, 1280, 720, 30},
		{QualityGood, 1280, 720, 24},
		{QualityFair, 640, 480, 20},
		{QualityPoor, 320, 240, 15},
		{QualityOffline, 160, 120, 8},
	}
	for _, tt := range tests {
		t.Run(tt.quality.String(), func(t *testing.T) {
			c := captureConstraints(tt.quality, true)
			assert.True(t, c.Audio)
			assert.True(t, c.Video)
			assert.Equal(t, tt.width, c.Width)
			assert.Equal(t, tt.height, c.Height)
			assert.Equal(t, tt.fps, c.FrameRate)
		})
	}
}

func TestCaptureConstraintsVoiceOnly(t *testing.T) {
	c := captureConstraints(QualityExcellent, false)
	assert.Equal(t, core.MediaConstraints{Audio: true}, c)
}

func TestEncodingTiersDegradeMonotonically(t *testing.T) {
	levels := []QualityLevel{QualityExcellent, QualityGood, QualityFair, QualityPoor, QualityOffline}
	prev := encodingFor(levels[0])
	assert.Equal(t, float64(1), prev.ScaleDown)
	for _, q := range levels[1:] {
		enc := encodingFor(q)
		assert.Less(t, enc.MaxBitrate, prev.MaxBitrate, q.String())
		assert.GreaterOrEqual(t, enc.ScaleDown, prev.ScaleDown, q.String())
		prev = enc
	}
}
