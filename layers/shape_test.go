package layers

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestConvOutSize(t *testing.T) {
	cases := []struct {
		name                          string
		size, kernel, stride, padding int
		want                          int
	}{
		{"stem conv", 224, 7, 2, 3, 112},
		{"stem pool after pad", 114, 3, 2, 0, 56},
		{"3x3 same", 56, 3, 1, 1, 56},
		{"3x3 stride 2", 56, 3, 2, 1, 28},
		{"1x1 stride 2", 56, 1, 2, 0, 28},
		{"odd extent", 7, 3, 2, 1, 4},
		{"1x1 odd", 7, 1, 2, 0, 4},
		{"window larger than input", 1, 3, 2, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ConvOutSize(tc.size, tc.kernel, tc.stride, tc.padding)
			if got != tc.want {
				t.Errorf("ConvOutSize(%d, %d, %d, %d) = %d, want %d",
					tc.size, tc.kernel, tc.stride, tc.padding, got, tc.want)
			}
		})
	}
}

func TestConvOutSizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("stride 1 is size + 2p - k + 1", prop.ForAll(
		func(size, kernel, padding int) bool {
			return ConvOutSize(size, kernel, 1, padding) == size+2*padding-kernel+1
		},
		gen.IntRange(1, 512),
		gen.IntRange(1, 11),
		gen.IntRange(0, 5),
	))

	properties.Property("3x3 pad 1 and 1x1 pad 0 agree at any stride", prop.ForAll(
		func(size, stride int) bool {
			return ConvOutSize(size, 3, stride, 1) == ConvOutSize(size, 1, stride, 0)
		},
		gen.IntRange(1, 512),
		gen.IntRange(1, 4),
	))

	properties.Property("padding grows extent by 2p", prop.ForAll(
		func(w, h, p int) bool {
			s := SpatialState{Channels: 1, Width: w, Height: h}.AfterPad(p)
			return s.Width == w+2*p && s.Height == h+2*p
		},
		gen.IntRange(1, 512),
		gen.IntRange(1, 512),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}

func TestSpatialStateShapeRoundTrip(t *testing.T) {
	s := SpatialState{Channels: 64, Width: 30, Height: 20}
	shape := s.Shape()
	if shape[0] != 64 || shape[1] != 20 || shape[2] != 30 {
		t.Fatalf("unexpected shape %v", shape)
	}
	back, ok := SpatialStateFromShape(shape)
	if !ok || back != s {
		t.Fatalf("round trip gave %+v, %v", back, ok)
	}
	if _, ok := SpatialStateFromShape([]int{10}); ok {
		t.Error("expected rank-1 shape to be rejected")
	}
	if s.WithChannels(8).Channels != 8 || s.Channels != 64 {
		t.Error("WithChannels must not mutate the receiver")
	}
	if (SpatialState{Channels: 1, Width: 0, Height: 3}).Valid() {
		t.Error("zero width must be invalid")
	}
}
