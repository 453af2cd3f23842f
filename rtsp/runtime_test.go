package rtsp

import (
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idilia/sourcebridge/loopback"
	"github.com/idilia/sourcebridge/pipeline"
	"github.com/idilia/sourcebridge/portpool"
	"github.com/idilia/sourcebridge/sdputil"
)

func newTestRuntime(t *testing.T, port int) *Runtime {
	t.Helper()
	r := NewRuntime("127.0.0.1", port)
	require.NoError(t, r.Start())
	t.Cleanup(r.Shutdown)
	return r
}

func newTestSpec(t *testing.T, factory *loopback.Factory, id string, withAudio bool) MountSpec {
	t.Helper()

	open := func() *loopback.Socket {
		sock, err := factory.OpenServer()
		require.NoError(t, err)
		t.Cleanup(sock.Close)
		return sock
	}

	sockets := map[string]*loopback.Socket{
		pipeline.SrcRTPVideo:  open(),
		pipeline.SrcRTCPVideo: open(),
	}
	video := &pipeline.StreamSpec{
		Codec:        sdputil.CodecVP8,
		PT:           100,
		RTPPort:      sockets[pipeline.SrcRTPVideo].Port,
		RTCPRecvPort: sockets[pipeline.SrcRTCPVideo].Port,
		RTCPSendPort: open().Port,
	}

	var audio *pipeline.StreamSpec
	if withAudio {
		sockets[pipeline.SrcRTPAudio] = open()
		sockets[pipeline.SrcRTCPAudio] = open()
		audio = &pipeline.StreamSpec{
			Codec:        sdputil.CodecOpus,
			PT:           111,
			RTPPort:      sockets[pipeline.SrcRTPAudio].Port,
			RTCPRecvPort: sockets[pipeline.SrcRTCPAudio].Port,
			RTCPSendPort: open().Port,
		}
	}

	url := "rtsp://127.0.0.1:30554/" + id
	return MountSpec{
		ID:      id,
		RTSPURL: url,
		Launch:  pipeline.BuildLaunch(video, audio),
		Video:   video,
		Audio:   audio,
		Ctx:     pipeline.NewContext(id, url, nil, sockets),
	}
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestClient connects a real RTSP client to the runtime over TCP.
func newTestClient(t *testing.T, r *Runtime, id string) (*gortsplib.Client, *base.URL) {
	t.Helper()

	u, err := base.ParseURL(r.URL(id))
	require.NoError(t, err)

	transport := gortsplib.ProtocolTCP
	c := &gortsplib.Client{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Protocol: &transport,
	}
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Close() })
	return c, u
}

func TestURL(t *testing.T) {
	r := NewRuntime("10.0.0.5", 8554)
	assert.Equal(t, "rtsp://10.0.0.5:8554/cam1", r.URL("cam1"))
}

func TestAddAndRemoveMount(t *testing.T) {
	r := newTestRuntime(t, 30561)
	factory := loopback.NewFactory(portpool.New(44000, 44100))

	spec := newTestSpec(t, factory, "cam1", true)
	require.NoError(t, <-r.AddMount(spec))

	mount := r.lookupMount("/cam1")
	require.NotNil(t, mount)
	assert.NotNil(t, mount.Ctx.Pipeline())
	assert.Equal(t, pipeline.StateProvisioned, mount.Ctx.Pipeline().State())

	<-r.RemoveMount("cam1")
	assert.Nil(t, r.lookupMount("/cam1"))
	assert.Equal(t, pipeline.StateTornDown, mount.Ctx.Pipeline().State())
}

func TestAddMountDuplicate(t *testing.T) {
	r := newTestRuntime(t, 30562)
	factory := loopback.NewFactory(portpool.New(44200, 44300))

	require.NoError(t, <-r.AddMount(newTestSpec(t, factory, "cam1", false)))
	err := <-r.AddMount(newTestSpec(t, factory, "cam1", false))
	assert.Error(t, err)
}

func TestAddMountWithoutStreams(t *testing.T) {
	r := newTestRuntime(t, 30563)

	spec := MountSpec{ID: "empty", Ctx: pipeline.NewContext("empty", "", nil, nil)}
	err := <-r.AddMount(spec)
	assert.Error(t, err)
}

func TestRemoveUnknownMount(t *testing.T) {
	r := newTestRuntime(t, 30564)
	<-r.RemoveMount("nope")
}

func TestDescribeSDP(t *testing.T) {
	r := newTestRuntime(t, 30565)
	factory := loopback.NewFactory(portpool.New(44400, 44500))

	require.NoError(t, <-r.AddMount(newTestSpec(t, factory, "cam1", true)))
	mount := r.lookupMount("/cam1")
	require.NotNil(t, mount)

	body, err := mount.describeSDP("127.0.0.1")
	require.NoError(t, err)
	sdp := string(body)

	assert.Contains(t, sdp, "a=type:broadcast")
	assert.Contains(t, sdp, "a=control:*")
	assert.Contains(t, sdp, "a=tool:sourcebridge")
	assert.Contains(t, sdp, "m=video 0 RTP/AVPF 96")
	assert.Contains(t, sdp, "m=audio 0 RTP/AVPF 127")
	assert.Contains(t, sdp, "a=rtcp-fb:96 ccm fir")
	assert.Contains(t, sdp, "a=rtcp-fb:96 nack")
	assert.Contains(t, sdp, "a=rtcp-fb:96 nack pli")
	assert.Contains(t, sdp, "a=control:trackID=0")
	assert.Contains(t, sdp, "a=control:trackID=1")
	assert.Contains(t, sdp, "a=rtpmap:96 VP8/90000")
	assert.Contains(t, sdp, "a=rtpmap:127 opus/48000")
}

func TestRemoveMountTearsDownClient(t *testing.T) {
	r := newTestRuntime(t, 30567)
	factory := loopback.NewFactory(portpool.New(44800, 44899))

	spec := newTestSpec(t, factory, "cam1", false)
	require.NoError(t, <-r.AddMount(spec))
	mount := r.lookupMount("/cam1")
	require.NotNil(t, mount)

	c, u := newTestClient(t, r, "cam1")

	desc, _, err := c.Describe(u)
	require.NoError(t, err)
	require.Len(t, desc.Medias, 1)

	require.NoError(t, c.SetupAll(desc.BaseURL, desc.Medias))

	// SETUP tracked the client and drove the pipeline into the
	// prepared state.
	waitCond(t, "client tracked", func() bool { return mount.Ctx.ClientCount() == 1 })
	assert.Equal(t, pipeline.StatePrepared, mount.Ctx.Pipeline().State())

	_, err = c.Play(nil)
	require.NoError(t, err)
	waitCond(t, "pipeline playing", func() bool {
		return mount.Ctx.Pipeline().State() == pipeline.StatePlaying
	})

	clientDead := make(chan error, 1)
	go func() { clientDead <- c.Wait() }()

	// Removing the mountpoint tears the subscribed client down.
	<-r.RemoveMount("cam1")

	assert.Nil(t, r.lookupMount("/cam1"))
	assert.Equal(t, 0, mount.Ctx.ClientCount())
	assert.Equal(t, pipeline.StateTornDown, mount.Ctx.Pipeline().State())

	select {
	case err := <-clientDead:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client session still alive after mount removal")
	}
}

func TestClientPauseStopsTracking(t *testing.T) {
	r := newTestRuntime(t, 30568)
	factory := loopback.NewFactory(portpool.New(44900, 44999))

	spec := newTestSpec(t, factory, "cam1", false)
	require.NoError(t, <-r.AddMount(spec))
	mount := r.lookupMount("/cam1")
	require.NotNil(t, mount)

	c, u := newTestClient(t, r, "cam1")

	desc, _, err := c.Describe(u)
	require.NoError(t, err)
	require.NoError(t, c.SetupAll(desc.BaseURL, desc.Medias))
	waitCond(t, "client tracked", func() bool { return mount.Ctx.ClientCount() == 1 })

	_, err = c.Play(nil)
	require.NoError(t, err)

	// A pause request releases the client from the tracked set while
	// the mountpoint stays up.
	_, err = c.Pause()
	require.NoError(t, err)
	waitCond(t, "client untracked", func() bool { return mount.Ctx.ClientCount() == 0 })
	assert.True(t, r.HasMount("cam1"))
}

func TestShutdownTearsDownMounts(t *testing.T) {
	r := NewRuntime("127.0.0.1", 30566)
	require.NoError(t, r.Start())

	factory := loopback.NewFactory(portpool.New(44600, 44700))
	spec := newTestSpec(t, factory, "cam1", false)
	require.NoError(t, <-r.AddMount(spec))
	mount := r.lookupMount("/cam1")
	require.NotNil(t, mount)

	r.Shutdown()
	assert.Equal(t, pipeline.StateTornDown, mount.Ctx.Pipeline().State())

	// Commands after shutdown fail fast instead of blocking.
	err := <-r.AddMount(spec)
	assert.Error(t, err)
	<-r.RemoveMount("cam1")
}
