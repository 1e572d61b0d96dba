package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestPadBucketSelection(t *testing.T) {
	testCases := []struct {
		name       string
		inputLen   int
		wantPadded int
	}{
		{"Empty message", 0, PaddingBucketSmall},
		{"Short message", 100, PaddingBucketSmall},
		{"Exactly fills small", PaddingBucketSmall - 1, PaddingBucketSmall},
		{"Just over small", PaddingBucketSmall, PaddingBucketMedium},
		{"Medium message", 900, PaddingBucketMedium},
		{"Large message", 3000, PaddingBucketLarge},
		{"Just over large", PaddingBucketLarge, 2 * PaddingBucketLarge},
		{"Multiple blocks", 10000, 3 * PaddingBucketLarge},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, tc.inputLen)
			rand.Read(data)

			padded := Pad(data)
			if len(padded) != tc.wantPadded {
				t.Errorf("Pad() length = %d, want %d", len(padded), tc.wantPadded)
			}
		})
	}
}

func TestPadUnpadRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 255, 256, 1023, 4095, 4096, 20000} {
		data := make([]byte, size)
		rand.Read(data)

		recovered, err := Unpad(Pad(data))
		if err != nil {
			t.Fatalf("Unpad() error for size %d: %v", size, err)
		}
		if !bytes.Equal(recovered, data) {
			t.Errorf("Round trip corrupted message of size %d", size)
		}
	}
}

func TestUnpadRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"Empty input", []byte{}},
		{"All zeros", make([]byte, 256)},
		{"Missing delimiter", []byte{0x01, 0x02, 0x03}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Unpad(tc.data); !errors.Is(err, ErrInvalidPadding) {
				t.Errorf("Unpad() error = %v, want ErrInvalidPadding", err)
			}
		})
	}
}

func TestPadHidesLengthWithinBucket(t *testing.T) {
	a := Pad(make([]byte, 10))
	b := Pad(make([]byte, 200))
	if len(a) != len(b) {
		t.Error("Messages in the same bucket must pad to the same length")
	}
}
