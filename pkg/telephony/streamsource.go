package telephony

import (
	"context"

	"github.com/NikoToRA/telreq-sub001/pkg/capture"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
)

// StreamSource adapts the gateway's media stream to the capture source
// contract. The gateway owns the underlying connection; Open and Close only
// gate frame delivery.
type StreamSource struct {
	gateway *Gateway
	ch      chan frames.AudioFrame
	cancel  context.CancelFunc
}

func NewStreamSource(g *Gateway) *StreamSource {
	return &StreamSource{gateway: g}
}

func (s *StreamSource) Name() string { return "twilio_media" }

func (s *StreamSource) Open(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ch = make(chan frames.AudioFrame, 512)
	go func() {
		defer close(s.ch)
		for {
			select {
			case <-runCtx.Done():
				return
			case af, ok := <-s.gateway.Audio():
				if !ok {
					return
				}
				select {
				case s.ch <- af:
				case <-runCtx.Done():
					frames.ReleaseAudioFrame(af)
					return
				}
			}
		}
	}()
	return nil
}

func (s *StreamSource) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *StreamSource) Frames() <-chan frames.AudioFrame { return s.ch }

var _ capture.Source = (*StreamSource)(nil)
