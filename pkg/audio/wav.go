package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MIMEType is the MIME type of the WAV files produced by this package.
const MIMEType = "audio/wav"

// Format describes 16-bit signed little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16K is the format every command is normalized to.
var Mono16K = Format{SampleRate: 16000, Channels: 1}

func (f Format) frameBytes() int {
	return 2 * f.Channels
}

func (f Format) valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.Channels <= 2
}

// ErrNotWAV is returned by DecodeWAV for data that is not 16-bit PCM WAV.
var ErrNotWAV = errors.New("audio: not a 16-bit PCM WAV file")

// EncodeWAV wraps pcm in a canonical 44-byte-header WAV container.
func EncodeWAV(pcm []byte, f Format) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	le := binary.LittleEndian
	buf.WriteString("RIFF")
	binary.Write(&buf, le, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, le, uint32(16))
	binary.Write(&buf, le, uint16(1))
	binary.Write(&buf, le, uint16(f.Channels))
	binary.Write(&buf, le, uint32(f.SampleRate))
	binary.Write(&buf, le, uint32(f.SampleRate*f.frameBytes()))
	binary.Write(&buf, le, uint16(f.frameBytes()))
	binary.Write(&buf, le, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, le, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// DecodeWAV returns the PCM samples and format of a 16-bit PCM WAV file.
// Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(b []byte) ([]byte, Format, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}
	le := binary.LittleEndian
	var (
		f      Format
		gotFmt bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(le.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(b) {
			// Streaming writers leave the data size unset; take the rest.
			if id == "data" {
				size = len(b) - body
			} else {
				return nil, Format{}, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
			}
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			if tag := le.Uint16(b[body:]); tag != 1 && tag != 0xfffe {
				return nil, Format{}, fmt.Errorf("%w: format tag %d", ErrNotWAV, tag)
			}
			f.Channels = int(le.Uint16(b[body+2:]))
			f.SampleRate = int(le.Uint32(b[body+4:]))
			if bits := le.Uint16(b[body+14:]); bits != 16 {
				return nil, Format{}, fmt.Errorf("%w: %d bits per sample", ErrNotWAV, bits)
			}
			gotFmt = true
		case "data":
			if !gotFmt || !f.valid() {
				return nil, Format{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			n := size - size%f.frameBytes()
			return b[body : body+n], f, nil
		}
		off = body + size + size%2
	}
	return nil, Format{}, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}
