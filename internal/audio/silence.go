package audio

import (
	"encoding/binary"
	"math"
)

// SilenceConfig controls how leading and trailing silence is detected
type SilenceConfig struct {
	EnergyThreshold float64 // RMS energy below which a frame counts as silent
	FrameMillis     int     // Frame length in milliseconds
	PadFrames       int     // Silent frames kept around the speech on each side
}

// DefaultSilenceConfig returns thresholds suited to synthesized 16-bit speech
func DefaultSilenceConfig() *SilenceConfig {
	return &SilenceConfig{
		EnergyThreshold: 200.0,
		FrameMillis:     20,
		PadFrames:       5, // 100ms
	}
}

// TrimSilence drops silent frames from both ends of 16-bit little-endian PCM.
// Audio that is silent throughout is returned unchanged.
func TrimSilence(pcm []byte, sampleRate, channels int, config *SilenceConfig) []byte {
	if config == nil {
		config = DefaultSilenceConfig()
	}
	frameBytes := sampleRate * channels * 2 * config.FrameMillis / 1000
	if frameBytes <= 0 || len(pcm) < frameBytes {
		return pcm
	}

	frames := len(pcm) / frameBytes
	first, last := -1, -1
	for i := 0; i < frames; i++ {
		if !DetectSilence(samplesOf(pcm[i*frameBytes:(i+1)*frameBytes]), config.EnergyThreshold) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return pcm
	}

	start := max(first-config.PadFrames, 0) * frameBytes
	end := min((last+1+config.PadFrames)*frameBytes, len(pcm))
	if last+1+config.PadFrames >= frames {
		// Keep the partial tail frame too
		end = len(pcm)
	}
	return pcm[start:end]
}

func samplesOf(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// CalculateRMS calculates the RMS energy of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DetectSilence detects if audio samples represent silence
// Uses a simple energy threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
