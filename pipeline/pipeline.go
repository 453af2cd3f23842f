package pipeline

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// State tracks the pipeline lifecycle.
type State int32

const (
	StateProvisioned State = iota // sockets allocated, nothing running
	StatePrepared                 // sockets adopted, pumps running
	StatePlaying                  // at least one client playing
	StateTornDown                 // stopped
)

func (s State) String() string {
	switch s {
	case StateProvisioned:
		return "provisioned"
	case StatePrepared:
		return "prepared"
	case StatePlaying:
		return "playing"
	case StateTornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

// Pipeline moves media between the pre-bound loopback sockets and an
// RTSP server stream. It adopts its input sockets at prepare time
// without taking ownership: tearing the pipeline down never closes an
// adopted socket.
type Pipeline struct {
	launch string
	stream *gortsplib.ServerStream

	videoMedia *description.Media
	audioMedia *description.Media

	sinkVideo *net.UDPConn // RTCP out toward video_rtcp_snd_srv
	sinkAudio *net.UDPConn // RTCP out toward audio_rtcp_snd_srv

	state       atomic.Int32
	prepareOnce sync.Once
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a pipeline for the negotiated streams. The RTCP-out
// sinks are dialed immediately so that the ports encoded in the launch
// string and the ones actually used cannot diverge.
func New(launch string, stream *gortsplib.ServerStream,
	videoMedia, audioMedia *description.Media, video, audio *StreamSpec,
) (*Pipeline, error) {
	p := &Pipeline{
		launch:     launch,
		stream:     stream,
		videoMedia: videoMedia,
		audioMedia: audioMedia,
	}

	if videoMedia != nil && video != nil {
		sink, err := dialLoopback(video.RTCPSendPort)
		if err != nil {
			return nil, fmt.Errorf("pipeline: video rtcp sink: %w", err)
		}
		p.sinkVideo = sink
	}
	if audioMedia != nil && audio != nil {
		sink, err := dialLoopback(audio.RTCPSendPort)
		if err != nil {
			if p.sinkVideo != nil {
				_ = p.sinkVideo.Close()
			}
			return nil, fmt.Errorf("pipeline: audio rtcp sink: %w", err)
		}
		p.sinkAudio = sink
	}

	return p, nil
}

func dialLoopback(port int) (*net.UDPConn, error) {
	return net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
}

// Launch returns the declarative pipeline description.
func (p *Pipeline) Launch() string {
	return p.launch
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Prepare adopts the named source sockets and starts the media pumps.
// Only the first call has any effect, matching the single PAUSED
// transition of the original lifecycle.
func (p *Pipeline) Prepare(sources map[string]*net.UDPConn) error {
	if p.State() == StateTornDown {
		return fmt.Errorf("pipeline: prepare after teardown")
	}

	var err error
	p.prepareOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel

		if p.videoMedia != nil {
			rtpSrc, rtcpSrc := sources[SrcRTPVideo], sources[SrcRTCPVideo]
			if rtpSrc == nil || rtcpSrc == nil {
				err = fmt.Errorf("pipeline: missing video sources")
				cancel()
				return
			}
			p.startPumps(ctx, rtpSrc, rtcpSrc, p.videoMedia, RepayVideoPT)
		}
		if p.audioMedia != nil {
			rtpSrc, rtcpSrc := sources[SrcRTPAudio], sources[SrcRTCPAudio]
			if rtpSrc == nil || rtcpSrc == nil {
				err = fmt.Errorf("pipeline: missing audio sources")
				cancel()
				return
			}
			p.startPumps(ctx, rtpSrc, rtcpSrc, p.audioMedia, RepayAudioPT)
		}

		p.state.Store(int32(StatePrepared))
	})
	return err
}

func (p *Pipeline) startPumps(ctx context.Context, rtpSrc, rtcpSrc *net.UDPConn,
	media *description.Media, repayPT uint8,
) {
	p.wg.Add(2)
	go p.pumpRTP(ctx, rtpSrc, media, repayPT)
	go p.pumpRTCP(ctx, rtcpSrc, media)
}

// SetPlaying records the transition into the playing state.
func (p *Pipeline) SetPlaying() {
	if p.State() == StatePrepared {
		p.state.Store(int32(StatePlaying))
	}
}

// pumpRTP reads RTP from an adopted source, repackages the payload
// type for the RTSP side and writes into the server stream.
func (p *Pipeline) pumpRTP(ctx context.Context, conn *net.UDPConn,
	media *description.Media, repayPT uint8,
) {
	defer p.wg.Done()
	buf := make([]byte, 1500)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		var pkt rtp.Packet
		if err := pkt.Unmarshal(data); err != nil {
			continue
		}
		pkt.PayloadType = repayPT
		_ = p.stream.WritePacketRTP(media, &pkt)
	}
}

// pumpRTCP reads RTCP from an adopted source and forwards it to the
// server stream.
func (p *Pipeline) pumpRTCP(ctx context.Context, conn *net.UDPConn, media *description.Media) {
	defer p.wg.Done()
	buf := make([]byte, 1500)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			_ = p.stream.WritePacketRTCP(media, pkt)
		}
	}
}

// ForwardClientRTCP sends an RTSP client's RTCP report out through the
// pipeline's RTCP sink, landing on the session's *_rtcp_snd_srv
// socket.
func (p *Pipeline) ForwardClientRTCP(isVideo bool, pkt rtcp.Packet) {
	sink := p.sinkAudio
	if isVideo {
		sink = p.sinkVideo
	}
	if sink == nil {
		return
	}
	data, err := pkt.Marshal()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"video": isVideo,
			"error": err,
		}).Debug("dropping unmarshalable client rtcp")
		return
	}
	_, _ = sink.Write(data)
}

// Teardown stops the pumps and closes the RTCP sinks. Adopted sockets
// stay open; their owner closes them. Idempotent.
func (p *Pipeline) Teardown() {
	if State(p.state.Swap(int32(StateTornDown))) == StateTornDown {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.sinkVideo != nil {
		_ = p.sinkVideo.Close()
	}
	if p.sinkAudio != nil {
		_ = p.sinkAudio.Close()
	}
}
