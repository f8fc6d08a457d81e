package codec

import "encoding/binary"

// Wire-format constants for the wearable's binary frames. These must match
// the firmware exactly; a mismatch does not error, decoding just stops at
// the first incomplete frame.
const (
	PPGFrameSize    = 54  // 4-byte timestamp + 25 uint16 samples
	AccelFrameSize  = 154 // 4-byte timestamp + 25 * 3 int16 axis values
	SamplesPerFrame = 25

	// Accelerometer fixed-point scale: raw int16 / 8192 = g units.
	accelScale = 1.0 / 8192.0
)

// PPGData is a decoded PPG byte buffer. Every sample in a frame shares
// that frame's timestamp.
type PPGData struct {
	Samples    []float64
	Timestamps []uint32
}

// AccelSample is one three-axis accelerometer reading in g units.
type AccelSample struct {
	X, Y, Z float64
}

// AccelData is a decoded accelerometer byte buffer.
type AccelData struct {
	Samples    []AccelSample
	Timestamps []uint32
}

// DecodePPG decodes as many complete 54-byte PPG frames as buf contains.
// A trailing partial frame is dropped silently; this is accepted loss at
// the wire format level, not an error.
func DecodePPG(buf []byte) PPGData {
	n := len(buf) / PPGFrameSize
	out := PPGData{
		Samples:    make([]float64, 0, n*SamplesPerFrame),
		Timestamps: make([]uint32, 0, n*SamplesPerFrame),
	}

	for offset := 0; offset+PPGFrameSize <= len(buf); offset += PPGFrameSize {
		ts := binary.LittleEndian.Uint32(buf[offset:])
		for i := 0; i < SamplesPerFrame; i++ {
			sample := binary.LittleEndian.Uint16(buf[offset+4+2*i:])
			out.Samples = append(out.Samples, float64(sample))
			out.Timestamps = append(out.Timestamps, ts)
		}
	}

	return out
}

// DecodeAccel decodes complete 154-byte accelerometer frames. Axis values
// are little-endian signed 16-bit fixed point, scaled to g units.
func DecodeAccel(buf []byte) AccelData {
	n := len(buf) / AccelFrameSize
	out := AccelData{
		Samples:    make([]AccelSample, 0, n*SamplesPerFrame),
		Timestamps: make([]uint32, 0, n*SamplesPerFrame),
	}

	for offset := 0; offset+AccelFrameSize <= len(buf); offset += AccelFrameSize {
		ts := binary.LittleEndian.Uint32(buf[offset:])
		for i := 0; i < SamplesPerFrame; i++ {
			base := offset + 4 + 6*i
			x := int16(binary.LittleEndian.Uint16(buf[base:]))
			y := int16(binary.LittleEndian.Uint16(buf[base+2:]))
			z := int16(binary.LittleEndian.Uint16(buf[base+4:]))
			out.Samples = append(out.Samples, AccelSample{
				X: float64(x) * accelScale,
				Y: float64(y) * accelScale,
				Z: float64(z) * accelScale,
			})
			out.Timestamps = append(out.Timestamps, ts)
		}
	}

	return out
}

// Axes splits decoded accelerometer samples into per-axis slices for the
// conditioning and feature stages.
func (d AccelData) Axes() (x, y, z []float64) {
	x = make([]float64, len(d.Samples))
	y = make([]float64, len(d.Samples))
	z = make([]float64, len(d.Samples))
	for i, s := range d.Samples {
		x[i], y[i], z[i] = s.X, s.Y, s.Z
	}
	return x, y, z
}
