package audio

import "fmt"

// ConformChannels maps an interleaved int16 LE payload with from channels onto
// to channels. Equal counts return pcm unchanged (zero allocation). Supported
// conversions: mono to stereo (duplicate), stereo to mono (average), and any
// count above two down to stereo (keep the first two channels).
func ConformChannels(pcm []byte, from, to int) ([]byte, error) {
	if from < 1 || to < 1 {
		return nil, fmt.Errorf("%w: channel conversion %d -> %d", ErrEncode, from, to)
	}
	if len(pcm)%(2*from) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-channel frames", ErrEncode, len(pcm), from)
	}
	switch {
	case from == to:
		return pcm, nil
	case from == 1 && to == 2:
		return MonoToStereo(pcm), nil
	case from == 2 && to == 1:
		return StereoToMono(pcm), nil
	case from > 2 && to == 2:
		return firstTwoChannels(pcm, from), nil
	default:
		return nil, fmt.Errorf("%w: channel conversion %d -> %d", ErrUnsupportedFormat, from, to)
	}
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// firstTwoChannels keeps channels 0 and 1 of every frame of an interleaved
// int16 payload with the given channel count.
func firstTwoChannels(pcm []byte, channels int) []byte {
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*4)
	for i := range frames {
		copy(out[i*4:i*4+4], pcm[i*stride:i*stride+4])
	}
	return out
}
