package main

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame (TOC byte 0xf8, CELT fullband)
// that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func newSilentAudioTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
}

// pumpSilence writes silent frames to track until ctx is done. Writes before
// the track is bound to a negotiated sender are dropped by pion.
func pumpSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration})
		}
	}
}
