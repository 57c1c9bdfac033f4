package call

import (
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/core"
)

// QualityLevel is an external network-quality signal. It is read-only
// input: the session never computes it, only reacts to it.
type QualityLevel int

const (
	QualityExcellent QualityLevel = iota
	QualityGood
	QualityFair
	QualityPoor
	QualityOffline
)

func (q QualityLevel) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	case QualityOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// captureConstraints picks the initial capture tier. Chosen once at
// acquisition time; later quality changes only touch encodings.
func captureConstraints(q QualityLevel, video bool) core.MediaConstraints {
	c := core.MediaConstraints{Audio: true, Video: video}
	if !video {
		return c
	}
	switch q {
	case QualityExcellent:
		c.Width, c.Height, c.FrameRate = 1280, 720, 30
	case QualityGood:
		c.Width, c.Height, c.FrameRate = 1280, 720, 24
	case QualityFair:
		c.Width, c.Height, c.FrameRate = 640, 480, 20
	case QualityPoor:
		c.Width, c.Height, c.FrameRate = 320, 240, 15
	case QualityOffline:
		c.Width, c.Height, c.FrameRate = 160, 120, 8
	}
	return c
}

// encodingFor maps a quality tier to outbound video encoding parameters.
func encodingFor(q QualityLevel) core.EncodingParams {
	switch q {
	case QualityExcellent:
		return core.EncodingParams{MaxBitrate: 2_500_000, ScaleDown: 1}
	case QualityGood:
		return core.EncodingParams{MaxBitrate: 1_200_000, ScaleDown: 1}
	case QualityFair:
		return core.EncodingParams{MaxBitrate: 500_000, ScaleDown: 1.5}
	case QualityPoor:
		return core.EncodingParams{MaxBitrate: 150_000, ScaleDown: 2}
	case QualityOffline:
		// Transport will likely stall anyway; keep a floor so it can
		// recover without renegotiation.
		return core.EncodingParams{MaxBitrate: 30_000, ScaleDown: 4}
	default:
		return core.EncodingParams{MaxBitrate: 1_200_000, ScaleDown: 1}
	}
}

// applyQuality retunes every live transport. Per-sender failures are
// logged and skipped; they never end the session.
func applyQuality(reg *peerRegistry, q QualityLevel, logger zerolog.Logger) {
	params := encodingFor(q)
	reg.applyEncodingAll(params, logger)
	logger.Debug().
		Str("quality", q.String()).
		Uint32("max_bitrate", params.MaxBitrate).
		Msg("encodings retuned")
}
