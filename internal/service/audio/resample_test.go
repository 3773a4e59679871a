package audio

import (
	"math"
	"testing"
)

func TestFloatToPCM16(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full scale positive", 1, math.MaxInt16},
		{"full scale negative", -1, math.MinInt16},
		{"clip above", 1.7, math.MaxInt16},
		{"clip below", -3, math.MinInt16},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"nan", float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FloatToPCM16(tt.in); got != tt.want {
				t.Errorf("FloatToPCM16(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestResampler_SameRatePassesThrough(t *testing.T) {
	r := NewResampler(SampleRate, SampleRate)
	out := r.Process([]float32{0, 0.5, -0.5, 1})
	want := []int16{0, 16383, -16384, math.MaxInt16}
	if len(out) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(out))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestResampler_DownsampleRatio(t *testing.T) {
	r := NewResampler(48000, SampleRate)
	in := Tone(440, 0.5, 48000, 1e9) // one second

	total := 0
	for pos := 0; pos < len(in); pos += 480 {
		total += len(r.Process(in[pos : pos+480]))
	}

	if total != SampleRate {
		t.Errorf("expected %d output samples for one second, got %d", SampleRate, total)
	}
}

func TestResampler_ChunkingDoesNotChangeOutput(t *testing.T) {
	in := Tone(300, 0.8, 44100, 2e8)

	whole := NewResampler(44100, SampleRate).Process(in)

	chunked := NewResampler(44100, SampleRate)
	var pieces []int16
	for pos := 0; pos < len(in); pos += 1000 {
		end := min(pos+1000, len(in))
		pieces = append(pieces, chunked.Process(in[pos:end])...)
	}

	if len(pieces) != len(whole) {
		t.Fatalf("chunked output length %d differs from whole %d", len(pieces), len(whole))
	}
	for i := range whole {
		d := int(whole[i]) - int(pieces[i])
		if d < -1 || d > 1 {
			t.Fatalf("sample %d: whole=%d chunked=%d", i, whole[i], pieces[i])
		}
	}
}

func TestFrame_BytesLittleEndian(t *testing.T) {
	f := Frame{Samples: []int16{1, -2}}
	b := f.Bytes()
	want := []byte{0x01, 0x00, 0xfe, 0xff}
	if string(b) != string(want) {
		t.Errorf("Bytes() = %v, want %v", b, want)
	}
	if d := (Frame{Samples: make([]int16, BlockSize)}).Duration(); d.Milliseconds() != 256 {
		t.Errorf("expected 256ms block, got %v", d)
	}
}
