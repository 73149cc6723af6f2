// Package audio defines the audio payloads relayed between an interview client
// and the upstream dialog service.
package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Encoding names a raw sample layout.
type Encoding string

const (
	EncodingPCMS16LE Encoding = "pcm_s16le"

	bytesPerSampleS16 = 2
)

// Format tags a chunk with its sample layout.
type Format struct {
	Encoding     Encoding `json:"encoding"`
	SampleRateHz int      `json:"sample_rate_hz"`
	Channels     int      `json:"channels"`
}

var (
	// ClientFormat is what the client microphone sends and the upstream expects.
	ClientFormat = Format{Encoding: EncodingPCMS16LE, SampleRateHz: 16000, Channels: 1}
	// UpstreamFormat is what the upstream generates.
	UpstreamFormat = Format{Encoding: EncodingPCMS16LE, SampleRateHz: 24000, Channels: 1}
)

// MIMEType renders the format the way the upstream service labels blobs,
// e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	rate := f.SampleRateHz
	if rate <= 0 {
		rate = ClientFormat.SampleRateHz
	}
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

func (f Format) String() string {
	return fmt.Sprintf("%s@%dHz/%dch", f.Encoding, f.SampleRateHz, f.Channels)
}

// ParseMIMEType parses "audio/pcm" MIME types with an optional rate parameter.
// A missing rate falls back to def's sample rate.
func ParseMIMEType(mime string, def Format) (Format, error) {
	parts := strings.Split(mime, ";")
	base := strings.ToLower(strings.TrimSpace(parts[0]))
	if base != "audio/pcm" && base != "audio/l16" {
		return Format{}, fmt.Errorf("unsupported audio mime type %q", mime)
	}
	out := Format{Encoding: EncodingPCMS16LE, SampleRateHz: def.SampleRateHz, Channels: def.Channels}
	if out.Channels <= 0 {
		out.Channels = 1
	}
	for _, p := range parts[1:] {
		key, val, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "rate":
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil || n <= 0 {
				return Format{}, fmt.Errorf("invalid rate in audio mime type %q", mime)
			}
			out.SampleRateHz = n
		case "channels":
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil || n <= 0 {
				return Format{}, fmt.Errorf("invalid channels in audio mime type %q", mime)
			}
			out.Channels = n
		}
	}
	if out.SampleRateHz <= 0 {
		return Format{}, fmt.Errorf("audio mime type %q has no rate", mime)
	}
	return out, nil
}

// Chunk is an immutable buffer of audio samples. The zero value is an empty
// chunk with no format.
type Chunk struct {
	data   []byte
	format Format
}

// NewChunk copies data so later writes by the caller cannot reach the chunk.
func NewChunk(data []byte, format Format) Chunk {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Chunk{data: buf, format: format}
}

// Bytes returns the chunk payload. Callers must not modify it.
func (c Chunk) Bytes() []byte { return c.data }

func (c Chunk) Len() int { return len(c.data) }

func (c Chunk) Format() Format { return c.format }

func (c Chunk) IsEmpty() bool { return len(c.data) == 0 }

// Duration is the playback length implied by the format, or 0 when the
// format is not a known PCM layout.
func (c Chunk) Duration() time.Duration {
	if c.format.Encoding != EncodingPCMS16LE || c.format.SampleRateHz <= 0 {
		return 0
	}
	channels := c.format.Channels
	if channels <= 0 {
		channels = 1
	}
	samples := len(c.data) / (bytesPerSampleS16 * channels)
	return time.Duration(samples) * time.Second / time.Duration(c.format.SampleRateHz)
}
