package crypto

import (
	"encoding/binary"
	"testing"

	"github.com/Klingon-tech/klingnet-registry/pkg/types"
)

func mustHex(t *testing.T, s string) types.Hash {
	t.Helper()
	h, err := types.HexToHash(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	return h
}

func TestHash(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{
			name:  "empty input",
			input: []byte{},
			want:  "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		},
		{
			name:  "hello",
			input: []byte("hello"),
			want:  "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Hash(tt.input)
			if want := mustHex(t, tt.want); got != want {
				t.Errorf("Hash(%q) = %x, want %x", tt.input, got, want)
			}
		})
	}
}

func TestHashConcat(t *testing.T) {
	a := Hash([]byte("left"))
	b := Hash([]byte("right"))
	result := HashConcat(a, b)

	if result.IsZero() {
		t.Error("HashConcat returned zero hash")
	}
	if result == HashConcat(b, a) {
		t.Error("HashConcat(a,b) should differ from HashConcat(b,a)")
	}

	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	if want := Hash(buf[:]); result != want {
		t.Errorf("HashConcat = %x, want %x", result, want)
	}
}

func TestHashFields_BoundariesMatter(t *testing.T) {
	h1 := HashFields([]byte("ab"), []byte("c"))
	h2 := HashFields([]byte("a"), []byte("bc"))
	if h1 == h2 {
		t.Error("field boundaries should change the digest")
	}
}

func TestHashFields_EqualsManualEncoding(t *testing.T) {
	var buf []byte
	for _, f := range [][]byte{[]byte("token"), {}, []byte("owner")} {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(f)))
		buf = append(buf, l[:]...)
		buf = append(buf, f...)
	}
	want := Hash(buf)
	got := HashFields([]byte("token"), []byte{}, []byte("owner"))
	if got != want {
		t.Errorf("HashFields = %s, want %s", got, want)
	}
}

func TestHashFields_Deterministic(t *testing.T) {
	a := HashFields([]byte("x"), []byte("y"))
	b := HashFields([]byte("x"), []byte("y"))
	if a != b {
		t.Error("HashFields is not deterministic")
	}
}
