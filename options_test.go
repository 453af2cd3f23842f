package sourcebridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idilia/sourcebridge/sdputil"
)

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantMin int
		wantMax int
	}{
		{"normal range", "4000-5000", 4000, 5000},
		{"reversed bounds", "5000-4000", 4000, 5000},
		{"zero max means top", "4000-0", 4000, 65535},
		{"empty falls back", "", 4000, 5000},
		{"garbage falls back", "ports", 4000, 5000},
		{"single port", "4000-4000", 4000, 4000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			min, max := parsePortRange(tt.in)
			assert.Equal(t, tt.wantMin, min)
			assert.Equal(t, tt.wantMax, max)
		})
	}
}

func TestParseCodecPriority(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []sdputil.Codec
	}{
		{"two codecs", "H264,VP8", []sdputil.Codec{sdputil.CodecH264, sdputil.CodecVP8}},
		{"spaces tolerated", "VP9, H264", []sdputil.Codec{sdputil.CodecVP9, sdputil.CodecH264}},
		{"unknown skipped", "AV1,VP8", []sdputil.Codec{sdputil.CodecVP8}},
		{"absent disables", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCodecPriority(tt.in))
		})
	}
}

func TestConfigFinalizeDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.finalize()

	assert.Equal(t, 4000, cfg.udpMinPort)
	assert.Equal(t, 5000, cfg.udpMaxPort)
	assert.Equal(t, 5*time.Second, cfg.keepaliveInterval)
	assert.Equal(t, "localhost", cfg.Interface)
	assert.Equal(t, 8554, cfg.RTSPPort)
	assert.Nil(t, cfg.codecPriority)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SOURCE_UDP_PORT_RANGE", "6000-7000")
	t.Setenv("SOURCE_KEEPALIVE_INTERVAL", "7")
	t.Setenv("SOURCE_VIDEO_CODEC_PRIORITY", "H264,VP8")
	t.Setenv("SOURCE_INTERFACE", "10.1.2.3")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.udpMinPort)
	assert.Equal(t, 7000, cfg.udpMaxPort)
	assert.Equal(t, 7*time.Second, cfg.keepaliveInterval)
	assert.Equal(t, []sdputil.Codec{sdputil.CodecH264, sdputil.CodecVP8}, cfg.codecPriority)
	assert.Equal(t, "10.1.2.3", cfg.Interface)
}
