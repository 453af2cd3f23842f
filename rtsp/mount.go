package rtsp

import (
	"fmt"
	"math/rand"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/bluenviron/gortsplib/v5/pkg/format"
	psdp "github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"

	"github.com/idilia/sourcebridge/pipeline"
	"github.com/idilia/sourcebridge/sdputil"
)

// feedback attributes advertised on the media block of every DESCRIBE
// answer, keyed to the repackaged video payload type.
var mediaFeedback = []string{"96 ccm fir", "96 nack", "96 nack pli"}

// Mount is one published mountpoint: the server stream fed by the
// pipeline plus the client-tracking context.
type Mount struct {
	Path   string
	Stream *gortsplib.ServerStream
	Ctx    *pipeline.Context

	desc   *description.Session
	launch string
}

// newMount creates the stream, the pipeline and the mount itself.
// Runs on the runtime goroutine.
func newMount(server *gortsplib.Server, path string, spec MountSpec) (*Mount, error) {
	desc := &description.Session{Title: spec.ID}

	var videoMedia, audioMedia *description.Media
	if spec.Video != nil {
		videoMedia = &description.Media{
			Type:    description.MediaTypeVideo,
			Control: "trackID=0",
			Formats: []format.Format{videoFormat(spec.Video.Codec)},
		}
		desc.Medias = append(desc.Medias, videoMedia)
	}
	if spec.Audio != nil {
		audioMedia = &description.Media{
			Type:    description.MediaTypeAudio,
			Control: fmt.Sprintf("trackID=%d", len(desc.Medias)),
			Formats: []format.Format{&format.Opus{PayloadTyp: pipeline.RepayAudioPT, ChannelCount: 1}},
		}
		desc.Medias = append(desc.Medias, audioMedia)
	}
	if len(desc.Medias) == 0 {
		return nil, fmt.Errorf("rtsp: mountpoint %s has no negotiated streams", path)
	}

	stream := &gortsplib.ServerStream{Server: server, Desc: desc}
	if err := stream.Initialize(); err != nil {
		return nil, fmt.Errorf("rtsp: stream init for %s: %w", path, err)
	}

	pipe, err := pipeline.New(spec.Launch, stream, videoMedia, audioMedia, spec.Video, spec.Audio)
	if err != nil {
		stream.Close()
		return nil, err
	}
	spec.Ctx.SetPipeline(pipe)

	return &Mount{
		Path:   path,
		Stream: stream,
		Ctx:    spec.Ctx,
		desc:   desc,
		launch: spec.Launch,
	}, nil
}

func videoFormat(codec sdputil.Codec) format.Format {
	switch codec {
	case sdputil.CodecVP9:
		return &format.VP9{PayloadTyp: pipeline.RepayVideoPT}
	case sdputil.CodecH264:
		return &format.H264{PayloadTyp: pipeline.RepayVideoPT, PacketizationMode: 1}
	default:
		return &format.VP8{PayloadTyp: pipeline.RepayVideoPT}
	}
}

// describeSDP generates the DESCRIBE answer. The generated description
// carries the fixed session-level attributes and the rtcp-fb lines on
// the first media block; per-media control attributes match the
// stream's medias so SETUP resolves against the same description.
func (m *Mount) describeSDP(serverIP string) ([]byte, error) {
	info := psdp.Information("rtsp-server")

	sd := &psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      rand.Uint64() >> 1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: serverIP,
		},
		SessionName:        psdp.SessionName("Source session " + m.Ctx.ID),
		SessionInformation: &info,
		TimeDescriptions:   []psdp.TimeDescription{{}},
		Attributes: []psdp.Attribute{
			{Key: "tool", Value: "sourcebridge"},
			{Key: "type", Value: "broadcast"},
			{Key: "control", Value: "*"},
		},
	}

	for i, media := range m.desc.Medias {
		md, err := media.Marshal()
		if err != nil {
			return nil, err
		}
		md.MediaName.Protos = []string{"RTP", "AVPF"}
		if i == 0 {
			for _, fb := range mediaFeedback {
				md.Attributes = append(md.Attributes, psdp.Attribute{Key: "rtcp-fb", Value: fb})
			}
		}
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}

	return sd.Marshal()
}

// teardown closes every tracked client, releases the pipeline context
// and drops the stream. Runs on the runtime goroutine.
func (m *Mount) teardown() {
	for _, ss := range m.Ctx.TakeClients() {
		logrus.WithFields(logrus.Fields{
			"path": m.Path,
			"url":  m.Ctx.RTSPURL,
		}).Info("tearing down rtsp client")
		ss.Close()
	}

	m.Ctx.Release()
	m.Stream.Close()

	logrus.WithFields(logrus.Fields{"path": m.Path}).Info("mountpoint removed")
}
