package media

import (
	"context"
	"fmt"
	"sync"

	"lectern/internal/models"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Constraints select which capture devices to open.
type Constraints struct {
	Audio bool
	Video bool
}

// LocalMedia is an acquired set of local tracks. A capture backend writes
// samples into the tracks; Release stops it.
type LocalMedia struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample

	once    sync.Once
	release func()
}

// Tracks returns the acquired tracks in negotiation order.
func (l *LocalMedia) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if l.Audio != nil {
		out = append(out, l.Audio)
	}
	if l.Video != nil {
		out = append(out, l.Video)
	}
	return out
}

// Release stops capture. Safe to call more than once.
func (l *LocalMedia) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// Devices acquires local capture.
type Devices interface {
	Acquire(ctx context.Context, c Constraints) (*LocalMedia, error)
}

// StaticDevices hands out sample tracks (Opus, plus VP8 for video) without
// touching hardware. Denied simulates a refused permission prompt.
type StaticDevices struct {
	Denied    bool
	OnRelease func()
}

// Acquire implements Devices.
func (d *StaticDevices) Acquire(ctx context.Context, c Constraints) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Denied {
		return nil, models.ErrMediaDenied
	}

	stream := "lectern-" + uuid.NewString()
	lm := &LocalMedia{release: d.OnRelease}
	if c.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", stream,
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		lm.Audio = audio
	}
	if c.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", stream,
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		lm.Video = video
	}
	return lm, nil
}
