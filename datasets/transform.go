package datasets

import "fmt"

// Dimensions of the network input produced by TransformFrame.
const (
	InputSize     = 84
	InputChannels = 1
	InputDim      = InputChannels * InputSize * InputSize

	// The 96x96 frame is padded by (left, top, right, bottom) = (12, 12, 12, 0)
	// and center-cropped to 84x84. The composition never touches a padding
	// pixel: it reduces to copying source rows [0, 84) and columns [6, 90).
	cropTop  = 0
	cropLeft = (FrameSize - InputSize) / 2
)

// TransformFrame converts one raw RGB frame into the flat 1x84x84 float32
// input the network consumes: ITU-R 601-2 grayscale, crop, scale to [0, 1].
func TransformFrame(state []uint8) ([]float32, error) {
	if len(state) != FrameBytes {
		return nil, fmt.Errorf("frame has %d bytes, want %d", len(state), FrameBytes)
	}

	out := make([]float32, InputDim)
	for r := 0; r < InputSize; r++ {
		srcRow := (cropTop + r) * FrameSize
		for c := 0; c < InputSize; c++ {
			p := (srcRow + cropLeft + c) * FrameChannels
			// Integer luma: round(0.299 R + 0.587 G + 0.114 B) in 16.16 fixed point.
			lum := (19595*uint32(state[p]) + 38470*uint32(state[p+1]) + 7471*uint32(state[p+2]) + 1<<15) >> 16
			out[r*InputSize+c] = float32(lum) / 255
		}
	}
	return out, nil
}
