package audio

import (
	"encoding/binary"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ConvertPCMToWAV wraps raw linear PCM (16-bit signed, little-endian) in a
// WAV container so it can be played back directly by a browser.
func ConvertPCMToWAV(pcmData []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid PCM format: %d Hz, %d channels", sampleRate, channels)
	}

	// The encoder needs to seek back to patch the header sizes
	file, err := os.CreateTemp("", "practice_tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp wav: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	samples := make([]int, len(pcmData)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcmData[i*2:])))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}

	out, err := os.ReadFile(file.Name())
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	return out, nil
}

// PCMDuration returns the playback length of 16-bit PCM in seconds
func PCMDuration(pcmLen, sampleRate, channels int) float64 {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return float64(pcmLen/2/channels) / float64(sampleRate)
}
