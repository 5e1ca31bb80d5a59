package audio

import (
	"encoding/binary"
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

// Normalize converts 16-bit PCM in format src to Mono16K.
func Normalize(pcm []byte, src Format) ([]byte, error) {
	if !src.valid() {
		return nil, fmt.Errorf("audio: unsupported format %+v", src)
	}
	pcm = pcm[:len(pcm)-len(pcm)%src.frameBytes()]
	if src.Channels == 2 {
		pcm = stereoToMono(pcm)
	}
	if src.SampleRate == Mono16K.SampleRate || len(pcm) == 0 {
		return pcm, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(src.SampleRate),
		OutputRate: float64(Mono16K.SampleRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}
	input := make([]float64, len(pcm)/2)
	for i := range input {
		input[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	out := make([]byte, len(output)*2)
	for i, s := range output {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out, nil
}

func toInt16(s float64) int16 {
	switch {
	case s >= 1.0:
		return 32767
	case s <= -1.0:
		return -32768
	default:
		return int16(s * 32767.0)
	}
}

// stereoToMono averages interleaved L/R samples into a new buffer.
func stereoToMono(b []byte) []byte {
	frames := len(b) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int16(binary.LittleEndian.Uint16(b[i*4:]))
		r := int16(binary.LittleEndian.Uint16(b[i*4+2:]))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((int32(l)+int32(r))/2)))
	}
	return out
}

// PrepareCommand turns captured audio into a Mono16K WAV file. Raw PCM
// needs af.SampleRate; af.Channels defaults to 1. Data in WAV encoding, or
// with an unset encoding but a RIFF header, is decoded first.
func PrepareCommand(data []byte, af protocol.AudioFormat) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("audio: empty command audio")
	}
	var (
		pcm []byte
		src Format
	)
	switch {
	case af.Encoding == protocol.EncodingWAV,
		af.Encoding == protocol.EncodingNone && len(data) >= 4 && string(data[:4]) == "RIFF":
		var err error
		pcm, src, err = DecodeWAV(data)
		if err != nil {
			return nil, err
		}
	case af.Encoding == protocol.EncodingPCM, af.Encoding == protocol.EncodingNone:
		src = Format{SampleRate: af.SampleRate, Channels: max(af.Channels, 1)}
		pcm = data
	default:
		return nil, fmt.Errorf("audio: unsupported encoding %q", af.Encoding)
	}
	mono, err := Normalize(pcm, src)
	if err != nil {
		return nil, err
	}
	if len(mono) == 0 {
		return nil, fmt.Errorf("audio: no samples")
	}
	return EncodeWAV(mono, Mono16K), nil
}
