package sdputil

// Codec identifies a negotiable media codec.
type Codec int

const (
	CodecInvalid Codec = iota
	CodecOpus
	CodecVP8
	CodecVP9
	CodecH264
)

// codec name mapping as it appears in a=rtpmap lines. The bijection is
// static: video names are uppercase, opus is lowercase.
var codecNames = map[Codec]string{
	CodecH264: "H264",
	CodecVP8:  "VP8",
	CodecVP9:  "VP9",
	CodecOpus: "opus",
}

// String returns the rtpmap encoding name, or "INVALID".
func (c Codec) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return "INVALID"
}

// ClockRate returns the RTP clock rate for the codec.
func (c Codec) ClockRate() int {
	if c == CodecOpus {
		return 48000
	}
	return 90000
}

// IsVideo reports whether the codec is a video codec.
func (c Codec) IsVideo() bool {
	switch c {
	case CodecVP8, CodecVP9, CodecH264:
		return true
	}
	return false
}

// ParseCodec maps an rtpmap encoding name to its codec id, or
// CodecInvalid when the name is not part of the mapping.
func ParseCodec(name string) Codec {
	for id, n := range codecNames {
		if n == name {
			return id
		}
	}
	return CodecInvalid
}
