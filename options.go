package sourcebridge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/sirupsen/logrus"

	"github.com/idilia/sourcebridge/sdputil"
)

// Default UDP range used when the configured one is absent or
// unusable.
const (
	defaultUDPMinPort = 4000
	defaultUDPMaxPort = 5000
)

// Config holds the plugin configuration. Composite values
// (UDPPortRange, VideoCodecPriority) stay in their flat string form
// and are resolved by finalize.
type Config struct {
	UDPPortRange        string `yaml:"udp_port_range" env:"SOURCE_UDP_PORT_RANGE" env-default:"4000-5000"`
	KeepaliveIntervalS  int    `yaml:"keepalive_interval" env:"SOURCE_KEEPALIVE_INTERVAL" env-default:"5"`
	KeepaliveServiceURL string `yaml:"keepalive_service_url" env:"SOURCE_KEEPALIVE_SERVICE_URL"`
	StatusServiceURL    string `yaml:"status_service_url" env:"SOURCE_STATUS_SERVICE_URL"`
	VideoCodecPriority  string `yaml:"video_codec_priority" env:"SOURCE_VIDEO_CODEC_PRIORITY"`
	Interface           string `yaml:"interface" env:"SOURCE_INTERFACE" env-default:"localhost"`
	RTSPPort            int    `yaml:"rtsp_port" env:"SOURCE_RTSP_PORT" env-default:"8554"`
	PLIWorkaround       bool   `yaml:"pli_workaround" env:"SOURCE_PLI_WORKAROUND" env-default:"false"`

	udpMinPort        int
	udpMaxPort        int
	keepaliveInterval time.Duration
	codecPriority     []sdputil.Codec
}

// LoadConfig reads the configuration from path, or from the
// environment when path is empty.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.finalize()
	return &cfg, nil
}

// finalize resolves the composite string fields into usable values.
func (c *Config) finalize() {
	c.udpMinPort, c.udpMaxPort = parsePortRange(c.UDPPortRange)

	if c.KeepaliveIntervalS <= 0 {
		c.KeepaliveIntervalS = 5
	}
	c.keepaliveInterval = time.Duration(c.KeepaliveIntervalS) * time.Second

	if c.Interface == "" {
		logrus.Warn("rtsp interface not configured, using localhost")
		c.Interface = "localhost"
	}
	if c.RTSPPort <= 0 {
		c.RTSPPort = 8554
	}

	c.codecPriority = parseCodecPriority(c.VideoCodecPriority)
}

// parsePortRange splits "MIN-MAX". Bounds are swapped when reversed; a
// zero max means the top of the port space; anything unusable falls
// back to the defaults.
func parsePortRange(s string) (int, int) {
	min, max := 0, 0
	if idx := strings.LastIndex(s, "-"); idx > 0 {
		min, _ = strconv.Atoi(s[:idx])
		max, _ = strconv.Atoi(s[idx+1:])
	}
	if max == 0 {
		max = 65535
	}
	if min > max {
		min, max = max, min
	}
	if min <= 0 {
		logrus.WithFields(logrus.Fields{
			"min": defaultUDPMinPort,
			"max": defaultUDPMaxPort,
		}).Warn("using default udp port range")
		return defaultUDPMinPort, defaultUDPMaxPort
	}
	return min, max
}

// parseCodecPriority parses "C1,C2" over the video codec names.
// Absence disables prioritization.
func parseCodecPriority(s string) []sdputil.Codec {
	if s == "" {
		return nil
	}
	var priority []sdputil.Codec
	for _, name := range strings.Split(s, ",") {
		codec := sdputil.ParseCodec(strings.TrimSpace(name))
		if codec == sdputil.CodecInvalid {
			logrus.WithFields(logrus.Fields{"codec": name}).Warn("unknown codec in priority list")
			continue
		}
		priority = append(priority, codec)
	}
	return priority
}
