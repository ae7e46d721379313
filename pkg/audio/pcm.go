// Package audio provides raw PCM helpers for the Talaria voice pipeline.
//
// All functions operate on little-endian 16-bit signed PCM, the wire format
// of the streaming API (16 kHz mono by default). Helpers cover energy
// measurement for VAD, duration/byte conversions for buffer sizing, and
// downmix/resample paths for clients that send non-canonical formats.
package audio

import "math"

// BytesPerSample is the size of one 16-bit PCM sample.
const BytesPerSample = 2

// DurationMsToBytes returns the buffer size in bytes for the given duration
// in milliseconds at sampleRate Hz, channels-interleaved 16-bit PCM.
func DurationMsToBytes(ms, sampleRate, channels int) int {
	return ms * sampleRate * channels * BytesPerSample / 1000
}

// BytesToDurationMs returns the duration in milliseconds represented by n
// bytes of 16-bit PCM at sampleRate Hz with the given channel count.
func BytesToDurationMs(n, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return n * 1000 / (sampleRate * channels * BytesPerSample)
}

// RMS computes the root-mean-square amplitude of a 16-bit PCM buffer,
// normalised to [0.0, 1.0]. An empty or odd-length buffer yields 0.
//
// This is the energy measure used by the default VAD engine; it is cheap
// enough to run synchronously on every 20 ms frame.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n*2; i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono
// output. Uses int32 arithmetic to prevent overflow and clamps to int16.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// SineWave synthesises amplitude-scaled 16-bit mono PCM of the given
// frequency and duration. Amplitude is in [0.0, 1.0]. Intended for tests
// and VAD calibration.
func SineWave(freqHz float64, durationMs, sampleRate int, amplitude float64) []byte {
	samples := durationMs * sampleRate / 1000
	out := make([]byte, samples*2)
	for i := range samples {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate)))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
