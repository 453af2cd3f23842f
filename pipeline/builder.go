// Package pipeline builds and runs the per-mountpoint media pipeline.
//
// A pipeline is declared as a launch string whose leaves are named UDP
// sources (RTP and RTCP in) and an RTCP-out UDP sink, with codec
// depay/repay in between. The four UDP-source element names are
// load-bearing: the RTSP runtime rebinds the pre-opened server sockets
// onto them when the pipeline is prepared, so the launch string and
// the socket provisioning have to agree on them.
package pipeline

import (
	"fmt"

	"github.com/idilia/sourcebridge/sdputil"
)

// UDP-source element names rebound at prepare time.
const (
	SrcRTPVideo  = "udpsrc_rtp_video"
	SrcRTCPVideo = "udpsrc_rtcp_receive_video"
	SrcRTPAudio  = "udpsrc_rtp_audio"
	SrcRTCPAudio = "udpsrc_rtcp_receive_audio"
)

// Payload types used toward RTSP clients after repackaging.
const (
	RepayVideoPT = 96
	RepayAudioPT = 127
)

// StreamSpec describes one negotiated stream and the loopback ports
// its pipeline leaves use.
type StreamSpec struct {
	Codec        sdputil.Codec
	PT           int
	RTPPort      int // *_rtp_srv
	RTCPRecvPort int // *_rtcp_rcv_srv
	RTCPSendPort int // *_rtcp_snd_srv
}

const launchVideo = `rtpbin name=sess_vid rtp-profile=3 ` +
	`udpsrc port=%d name=%s caps="application/x-rtp, media=video, payload=%d, encoding-name=%s, clock-rate=90000, rtcp-fb-nack-pli=1, rtcp-fb-nack=1, rtcp-fb-ccm-fir=1, rtp-profile=3" ` +
	`! sess_vid.recv_rtp_sink_0 ` +
	`sess_vid. ! rtp%sdepay name=depay_vid ` +
	`udpsrc port=%d name=%s ! sess_vid.recv_rtcp_sink_0 ` +
	`sess_vid.send_rtcp_src_0 ! udpsink host=127.0.0.1 port=%d sync=false async=false ` +
	`depay_vid. ! rtp%spay pt=%d`

const launchAudio = `udpsrc port=%d name=%s ! application/x-rtp, media=audio, payload=%d, encoding-name=OPUS, clock-rate=48000, rtp-profile=3 ` +
	`! .recv_rtp_sink rtpsession name=sess_aud ` +
	`.recv_rtp_src ! rtpopusdepay name=depay_aud ` +
	`udpsrc port=%d name=%s ! sess_aud.recv_rtcp_sink ` +
	`sess_aud.send_rtcp_src ! udpsink host=127.0.0.1 port=%d ` +
	`depay_aud. ! audio/x-opus, channels=1 ! rtpopuspay pt=%d`

// BuildLaunch emits the declarative pipeline for the negotiated
// streams. The first emitted subpipeline is named pay0; when both
// streams are present video comes first and audio is pay1. Both specs
// invalid yields an empty string.
func BuildLaunch(video, audio *StreamSpec) string {
	var videoPart, audioPart string

	if video != nil && video.Codec.IsVideo() {
		element := videoElement(video.Codec)
		videoPart = fmt.Sprintf(launchVideo,
			video.RTPPort, SrcRTPVideo, video.PT, video.Codec.String(),
			element,
			video.RTCPRecvPort, SrcRTCPVideo,
			video.RTCPSendPort,
			element, RepayVideoPT)
	}

	if audio != nil && audio.Codec == sdputil.CodecOpus {
		audioPart = fmt.Sprintf(launchAudio,
			audio.RTPPort, SrcRTPAudio, audio.PT,
			audio.RTCPRecvPort, SrcRTCPAudio,
			audio.RTCPSendPort,
			RepayAudioPT)
	}

	switch {
	case videoPart != "" && audioPart != "":
		return fmt.Sprintf("( %s name=pay0  %s name=pay1 )", videoPart, audioPart)
	case videoPart != "":
		return fmt.Sprintf("( %s name=pay0 )", videoPart)
	case audioPart != "":
		return fmt.Sprintf("( %s name=pay0 )", audioPart)
	}
	return ""
}

// videoElement maps a codec to its depay/pay element infix.
func videoElement(codec sdputil.Codec) string {
	switch codec {
	case sdputil.CodecVP8:
		return "vp8"
	case sdputil.CodecVP9:
		return "vp9"
	case sdputil.CodecH264:
		return "h264"
	}
	return ""
}
