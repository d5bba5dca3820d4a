package audio

// TelephonySampleRate is the fixed rate of carrier media (G.711, 8kHz mono).
const TelephonySampleRate = 8000

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawTable = buildMulawTable()

func buildMulawTable() [256]int16 {
	var t [256]int16
	for i := range t {
		u := ^byte(i)
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		v := ((int(mantissa) << 3) + mulawBias) << exponent
		v -= mulawBias
		if u&0x80 != 0 {
			v = -v
		}
		t[i] = int16(v)
	}
	return t
}

// DecodeMulaw expands G.711 µ-law bytes into signed 16-bit linear samples.
func DecodeMulaw(b []byte) []int16 {
	out := make([]int16, len(b))
	for i, c := range b {
		out[i] = mulawTable[c]
	}
	return out
}

// EncodeMulaw compresses 16-bit linear samples into G.711 µ-law bytes.
func EncodeMulaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = linearToMulaw(s)
	}
	return out
}

func linearToMulaw(s int16) byte {
	sample := int(s)
	var sign int
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}
