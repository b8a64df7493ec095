package audio

import "time"

// SilencePCM16 returns zeroed PCM16LE mono samples covering d at sampleRate.
func SilencePCM16(sampleRate int, d time.Duration) []byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if d <= 0 {
		d = 20 * time.Millisecond
	}
	samples := int(int64(sampleRate) * d.Milliseconds() / 1000)
	if samples < 1 {
		samples = 1
	}
	return make([]byte, samples*2)
}

// PCM16Duration reports the playback duration of raw PCM16LE mono bytes.
func PCM16Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 || len(pcm) < 2 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
