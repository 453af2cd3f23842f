package sourcebridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"

	"github.com/idilia/sourcebridge/loopback"
	"github.com/idilia/sourcebridge/pipeline"
	"github.com/idilia/sourcebridge/registry"
	"github.com/idilia/sourcebridge/rtsp"
	"github.com/idilia/sourcebridge/sdputil"
)

// Socket roles provisioned per session, five per stream kind.
const (
	sockVideoRTPSrv     = "video_rtp_srv"
	sockVideoRTPCli     = "video_rtp_cli"
	sockVideoRTCPRcvSrv = "video_rtcp_rcv_srv"
	sockVideoRTCPRcvCli = "video_rtcp_rcv_cli"
	sockVideoRTCPSndSrv = "video_rtcp_snd_srv"

	sockAudioRTPSrv     = "audio_rtp_srv"
	sockAudioRTPCli     = "audio_rtp_cli"
	sockAudioRTCPRcvSrv = "audio_rtcp_rcv_srv"
	sockAudioRTCPRcvCli = "audio_rtcp_rcv_cli"
	sockAudioRTCPSndSrv = "audio_rtcp_snd_srv"
)

// Bitrate bounds applied when a slow link halves the cap.
const (
	slowLinkStartBitrate = 512000
	slowLinkFloorBitrate = 64000
)

// Session is the per-peer controller: codec negotiation, socket
// provisioning, mountpoint publication and cleanup.
type Session struct {
	plugin *Plugin
	handle any

	audioActive atomic.Bool
	videoActive atomic.Bool
	bitrate     atomic.Uint64

	slowlinkCount atomic.Uint64
	hangingUp     atomic.Bool

	mu         sync.Mutex
	id         string
	rtspURL    string
	registryID string
	codecVideo sdputil.Codec
	codecAudio sdputil.Codec
	ptVideo    int
	ptAudio    int
	sockets    map[string]*loopback.Socket
	pipeCtx    *pipeline.Context

	destroyed   atomic.Bool
	destroyedAt atomic.Int64 // microseconds since plugin start
}

func newSession(p *Plugin, handle any) *Session {
	s := &Session{
		plugin:     p,
		handle:     handle,
		codecVideo: sdputil.CodecInvalid,
		codecAudio: sdputil.CodecInvalid,
		ptVideo:    -1,
		ptAudio:    -1,
	}
	s.audioActive.Store(true)
	s.videoActive.Store(true)
	return s
}

func (s *Session) currentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) setID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *Session) isDestroyed() bool {
	return s.destroyed.Load()
}

// markDestroyed stamps the destruction time once; reports whether this
// call was the one that destroyed the session.
func (s *Session) markDestroyed(since time.Duration) bool {
	if s.destroyed.Swap(true) {
		return false
	}
	s.destroyedAt.Store(since.Microseconds())
	return true
}

// queryInfo renders the query_session JSON object.
func (s *Session) queryInfo() (json.RawMessage, error) {
	info := struct {
		AudioActive   bool   `json:"audio_active"`
		VideoActive   bool   `json:"video_active"`
		Bitrate       uint64 `json:"bitrate"`
		SlowlinkCount uint64 `json:"slowlink_count"`
		Destroyed     int64  `json:"destroyed"`
	}{
		AudioActive:   s.audioActive.Load(),
		VideoActive:   s.videoActive.Load(),
		Bitrate:       s.bitrate.Load(),
		SlowlinkCount: s.slowlinkCount.Load(),
		Destroyed:     s.destroyedAt.Load(),
	}
	return json.Marshal(info)
}

// relayRTP forwards a peer RTP packet to the pipeline-side server
// socket through the matching client socket. Honors the active flags;
// send failures are dropped silently.
func (s *Session) relayRTP(video bool, data []byte) {
	if s.isDestroyed() || s.hangingUp.Load() {
		return
	}
	if video && !s.videoActive.Load() {
		return
	}
	if !video && !s.audioActive.Load() {
		return
	}

	role := sockAudioRTPCli
	if video {
		role = sockVideoRTPCli
	}
	if sock := s.socket(role); sock != nil {
		_ = sock.Send(data)
	}
}

// relayRTCP forwards a peer RTCP packet to the pipeline side.
func (s *Session) relayRTCP(video bool, data []byte) {
	if s.isDestroyed() || s.hangingUp.Load() {
		return
	}

	role := sockAudioRTCPRcvCli
	if video {
		role = sockVideoRTCPRcvCli
	}
	if sock := s.socket(role); sock != nil {
		_ = sock.Send(data)
	}
}

func (s *Session) socket(role string) *loopback.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets[role]
}

// sendREMB relays a receiver-estimate cap toward the peer.
func (s *Session) sendREMB(bitrate uint64) {
	pkt := rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: float32(bitrate)}
	data, err := pkt.Marshal()
	if err != nil {
		logrus.WithFields(logrus.Fields{"error": err}).Error("remb marshal failed")
		return
	}
	s.plugin.callbacks.RelayRTCP(s.handle, true, data)
}

// sendPLI asks the peer encoder for a keyframe.
func (s *Session) sendPLI() {
	pkt := rtcp.PictureLossIndication{}
	data, err := pkt.Marshal()
	if err != nil {
		logrus.WithFields(logrus.Fields{"error": err}).Error("pli marshal failed")
		return
	}
	s.plugin.callbacks.RelayRTCP(s.handle, true, data)
}

// slowLink reacts to NACK pressure: when the peer is encoding video,
// halve the bitrate cap (floor 64 kbps), push a fresh REMB and notify
// the peer.
func (s *Session) slowLink(uplink, video bool) {
	if s.isDestroyed() {
		return
	}
	s.slowlinkCount.Add(1)

	switch {
	case uplink && !video && !s.audioActive.Load():
		logrus.Debug("nacks for disabled audio forwarding, expected")
	case uplink && video && !s.videoActive.Load():
		logrus.Debug("nacks for disabled video forwarding, expected")
	case video:
		bitrate := s.bitrate.Load()
		if bitrate == 0 {
			bitrate = slowLinkStartBitrate
		}
		bitrate /= 2
		if bitrate < slowLinkFloorBitrate {
			bitrate = slowLinkFloorBitrate
		}
		s.bitrate.Store(bitrate)

		logrus.WithFields(logrus.Fields{
			"uplink":  uplink,
			"bitrate": bitrate,
		}).Warn("slow link, forcing a lower remb")
		s.sendREMB(bitrate)

		s.plugin.pushEvent(s.handle, "", &Event{
			Source: "event",
			Result: &SlowLinkResult{Status: "slow_link", Bitrate: bitrate},
		}, nil)
	}
}

// hangup pushes the done event and resets the controls. Idempotent
// while the hangup is in progress.
func (s *Session) hangup() {
	if s.isDestroyed() || s.hangingUp.Swap(true) {
		return
	}

	logrus.WithFields(logrus.Fields{"id": s.currentID()}).Info("no webrtc media anymore")
	s.plugin.pushEvent(s.handle, "", &Event{Source: "event", Result: "done"}, nil)

	s.audioActive.Store(true)
	s.videoActive.Store(true)
	s.bitrate.Store(0)
}

// setupMedia negotiates the offer, provisions sockets, publishes the
// mountpoint and registers the stream. Returns the answer SDP. Runs on
// the message-handler goroutine.
func (s *Session) setupMedia(offer string) (string, error) {
	sdp := sdputil.RewriteDirections(offer)
	sdp = sdputil.StripRetransmission(sdp)

	preferred := sdputil.SelectVideoCodecByPriority(sdp, s.plugin.cfg.codecPriority)
	sdp = sdputil.SetVideoCodec(sdp, preferred)

	codecVideo := sdputil.VideoCodec(sdp)
	codecAudio := sdputil.AudioCodec(sdp)

	s.mu.Lock()
	s.codecVideo = codecVideo
	s.codecAudio = codecAudio
	s.ptVideo = sdputil.CodecPT(sdp, codecVideo)
	s.ptAudio = sdputil.CodecPT(sdp, codecAudio)
	id := s.id
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"id":          id,
		"video_codec": codecVideo.String(),
		"audio_codec": codecAudio.String(),
	}).Info("codecs negotiated")

	if codecVideo == sdputil.CodecInvalid && codecAudio == sdputil.CodecInvalid {
		// Nothing to bridge; the session stays valid without a
		// pipeline or mountpoint.
		return sdp, nil
	}

	if err := s.provisionSockets(); err != nil {
		return "", err
	}

	rtspURL := s.plugin.runtime.URL(id)
	s.mu.Lock()
	s.rtspURL = rtspURL
	s.mu.Unlock()

	s.attachRTCPReturnReaders()

	if err := s.registerStream(rtspURL, id); err != nil {
		if errors.Is(err, registry.ErrDuplicateID) {
			return "", err
		}
		// Transport trouble toward the registry does not block
		// publication.
		logrus.WithFields(logrus.Fields{"error": err}).Error("registry create failed, publishing anyway")
	}

	s.publishMountpoint(id, rtspURL)

	if s.plugin.cfg.PLIWorkaround {
		go s.pliWorkaroundLoop()
	}

	return sdp, nil
}

// provisionSockets opens the ten per-session sockets in the fixed role
// order. Any failure closes everything opened so far.
func (s *Session) provisionSockets() error {
	factory := s.plugin.sockets
	sockets := make(map[string]*loopback.Socket, 10)

	cleanup := func() {
		for _, sock := range sockets {
			sock.Close()
		}
	}

	type roleSet struct{ rtpSrv, rtpCli, rtcpRcvSrv, rtcpRcvCli, rtcpSndSrv string }
	for _, roles := range []roleSet{
		{sockVideoRTPSrv, sockVideoRTPCli, sockVideoRTCPRcvSrv, sockVideoRTCPRcvCli, sockVideoRTCPSndSrv},
		{sockAudioRTPSrv, sockAudioRTPCli, sockAudioRTCPRcvSrv, sockAudioRTCPRcvCli, sockAudioRTCPSndSrv},
	} {
		rtpSrv, err := factory.OpenServer()
		if err != nil {
			cleanup()
			return fmt.Errorf("provision %s: %w", roles.rtpSrv, err)
		}
		sockets[roles.rtpSrv] = rtpSrv

		rtpCli, err := factory.OpenClient(rtpSrv.Port)
		if err != nil {
			cleanup()
			return fmt.Errorf("provision %s: %w", roles.rtpCli, err)
		}
		sockets[roles.rtpCli] = rtpCli

		rtcpRcvSrv, err := factory.OpenServer()
		if err != nil {
			cleanup()
			return fmt.Errorf("provision %s: %w", roles.rtcpRcvSrv, err)
		}
		sockets[roles.rtcpRcvSrv] = rtcpRcvSrv

		rtcpRcvCli, err := factory.OpenClient(rtcpRcvSrv.Port)
		if err != nil {
			cleanup()
			return fmt.Errorf("provision %s: %w", roles.rtcpRcvCli, err)
		}
		sockets[roles.rtcpRcvCli] = rtcpRcvCli

		rtcpSndSrv, err := factory.OpenServer()
		if err != nil {
			cleanup()
			return fmt.Errorf("provision %s: %w", roles.rtcpSndSrv, err)
		}
		sockets[roles.rtcpSndSrv] = rtcpSndSrv
	}

	s.mu.Lock()
	s.sockets = sockets
	s.mu.Unlock()
	return nil
}

// attachRTCPReturnReaders forwards RTCP reports landing on the
// *_rtcp_snd_srv sockets back toward the peer via the host relay.
func (s *Session) attachRTCPReturnReaders() {
	attach := func(role string, video bool) {
		sock := s.socket(role)
		if sock == nil {
			return
		}
		sock.AttachReader(func(data []byte) bool {
			if s.isDestroyed() || s.plugin.stopping.Load() {
				return false
			}
			s.plugin.callbacks.RelayRTCP(s.handle, video, data)
			return true
		})
	}
	attach(sockVideoRTCPSndSrv, true)
	attach(sockAudioRTCPSndSrv, false)
}

// registerStream creates the registry record and captures its id.
func (s *Session) registerStream(rtspURL, id string) error {
	if s.plugin.statusReg == nil {
		return nil
	}

	rec, err := s.plugin.statusReg.Create(context.Background(), rtspURL, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.registryID = rec.ID
	s.mu.Unlock()
	return nil
}

// publishMountpoint queues mount publication on the RTSP runtime. The
// mount is not assumed to exist when this returns.
func (s *Session) publishMountpoint(id, rtspURL string) {
	s.mu.Lock()
	codecVideo, codecAudio := s.codecVideo, s.codecAudio
	ptVideo, ptAudio := s.ptVideo, s.ptAudio
	sockets := s.sockets
	s.mu.Unlock()

	var video, audio *pipeline.StreamSpec
	ctxSockets := make(map[string]*loopback.Socket)

	if codecVideo.IsVideo() {
		video = &pipeline.StreamSpec{
			Codec:        codecVideo,
			PT:           ptVideo,
			RTPPort:      sockets[sockVideoRTPSrv].Port,
			RTCPRecvPort: sockets[sockVideoRTCPRcvSrv].Port,
			RTCPSendPort: sockets[sockVideoRTCPSndSrv].Port,
		}
		ctxSockets[pipeline.SrcRTPVideo] = sockets[sockVideoRTPSrv]
		ctxSockets[pipeline.SrcRTCPVideo] = sockets[sockVideoRTCPRcvSrv]
	}
	if codecAudio == sdputil.CodecOpus {
		audio = &pipeline.StreamSpec{
			Codec:        codecAudio,
			PT:           ptAudio,
			RTPPort:      sockets[sockAudioRTPSrv].Port,
			RTCPRecvPort: sockets[sockAudioRTCPRcvSrv].Port,
			RTCPSendPort: sockets[sockAudioRTCPSndSrv].Port,
		}
		ctxSockets[pipeline.SrcRTPAudio] = sockets[sockAudioRTPSrv]
		ctxSockets[pipeline.SrcRTCPAudio] = sockets[sockAudioRTCPRcvSrv]
	}

	ctx := pipeline.NewContext(id, rtspURL, nil, ctxSockets)
	s.mu.Lock()
	s.pipeCtx = ctx
	s.mu.Unlock()

	spec := rtsp.MountSpec{
		ID:      id,
		RTSPURL: rtspURL,
		Launch:  pipeline.BuildLaunch(video, audio),
		Video:   video,
		Audio:   audio,
		Ctx:     ctx,
	}

	result := s.plugin.runtime.AddMount(spec)
	go func() {
		if err := <-result; err != nil {
			logrus.WithFields(logrus.Fields{
				"id":    id,
				"error": err,
			}).Error("mountpoint publication failed")
		}
	}()
}

// pliWorkaroundLoop keeps requesting keyframes while the pipeline sits
// in the prepared state without reaching playing.
func (s *Session) pliWorkaroundLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if s.isDestroyed() || s.hangingUp.Load() || s.plugin.stopping.Load() {
			return
		}
		s.mu.Lock()
		ctx := s.pipeCtx
		s.mu.Unlock()
		if ctx == nil || ctx.Pipeline() == nil {
			continue
		}
		switch ctx.Pipeline().State() {
		case pipeline.StatePrepared:
			s.sendPLI()
		case pipeline.StatePlaying, pipeline.StateTornDown:
			return
		}
	}
}

// close releases everything the session owns: the mountpoint, the
// registry record and the sockets. Runs at most once, via
// Plugin.closeSession.
func (s *Session) close() {
	s.mu.Lock()
	id := s.id
	registryID := s.registryID
	sockets := s.sockets
	s.sockets = nil
	s.pipeCtx = nil
	s.id = ""
	s.registryID = ""
	s.rtspURL = ""
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"id": id}).Info("closing source session")

	if registryID != "" && s.plugin.statusReg != nil {
		if err := s.plugin.statusReg.Delete(context.Background(), registryID); err != nil {
			logrus.WithFields(logrus.Fields{
				"registry_id": registryID,
				"error":       err,
			}).Error("registry delete failed")
		}
	}

	if id != "" {
		s.plugin.runtime.RemoveMount(id)
	}

	for _, sock := range sockets {
		sock.Close()
	}
}
