package call

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// MediaSource models the local capture device. Capture and device selection
// live outside the core; implementations are expected to return
// ErrPermissionDenied or ErrDeviceUnavailable as appropriate. The device is
// a singleton — the Manager enforces that only one active call holds it.
type MediaSource interface {
	Acquire(ctx context.Context, video bool) (MediaFeed, error)
}

// MediaFeed is one acquired capture session: the local tracks to attach to
// every per-call peer connection, plus mute toggles.
type MediaFeed interface {
	Tracks() []webrtc.TrackLocal
	SetAudioMuted(muted bool)
	SetVideoOff(off bool)
	Close() error
}

// MediaSink receives inbound media frames from remote participants. Nil
// sink drops them.
type MediaSink interface {
	Deliver(peerID string, kind webrtc.RTPCodecType, pkt *rtp.Packet)
}

// NopSource is a MediaSource without any capture device. Calls established
// with it carry no local tracks; useful headless and in tests.
type NopSource struct{}

func (NopSource) Acquire(context.Context, bool) (MediaFeed, error) {
	return nopFeed{}, nil
}

type nopFeed struct{}

func (nopFeed) Tracks() []webrtc.TrackLocal { return nil }
func (nopFeed) SetAudioMuted(bool)          {}
func (nopFeed) SetVideoOff(bool)            {}
func (nopFeed) Close() error                { return nil }
