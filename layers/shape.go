package layers

import "fmt"

// ConvOutSize returns the output extent of a strided, padded, kernel-sized
// window along one spatial axis: floor((size + 2*padding - kernel) / stride) + 1.
func ConvOutSize(size, kernel, stride, padding int) int {
	n := size + 2*padding - kernel
	q := n / stride
	// Go truncates toward zero; floor for negative numerators
	if n%stride != 0 && n < 0 {
		q--
	}
	return q + 1
}

// SpatialState is the (channels, width, height) extent of the tensor produced
// by the graph built so far. It is threaded by value through construction.
type SpatialState struct {
	Channels int `json:"channels"`
	Width    int `json:"width"`
	Height   int `json:"height"`
}

// Shape returns the state as a [channels, height, width] shape
func (s SpatialState) Shape() []int {
	return []int{s.Channels, s.Height, s.Width}
}

// AfterConv returns the state after a square window operation producing
// channels output channels
func (s SpatialState) AfterConv(channels, kernel, stride, padding int) SpatialState {
	return SpatialState{
		Channels: channels,
		Width:    ConvOutSize(s.Width, kernel, stride, padding),
		Height:   ConvOutSize(s.Height, kernel, stride, padding),
	}
}

// AfterPad returns the state after symmetric padding of p on each side
func (s SpatialState) AfterPad(p int) SpatialState {
	return SpatialState{Channels: s.Channels, Width: s.Width + 2*p, Height: s.Height + 2*p}
}

// WithChannels returns a copy of s with a different channel count
func (s SpatialState) WithChannels(channels int) SpatialState {
	s.Channels = channels
	return s
}

// Valid reports whether every extent is positive
func (s SpatialState) Valid() bool {
	return s.Channels > 0 && s.Width > 0 && s.Height > 0
}

func (s SpatialState) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Channels, s.Width, s.Height)
}

// SpatialStateFromShape converts a [channels, height, width] shape back into
// a SpatialState
func SpatialStateFromShape(shape []int) (SpatialState, bool) {
	if len(shape) != 3 {
		return SpatialState{}, false
	}
	return SpatialState{Channels: shape[0], Height: shape[1], Width: shape[2]}, true
}
