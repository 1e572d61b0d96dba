package crypto

import "errors"

// Plaintext size buckets. Padding every message up to one of a few fixed
// sizes keeps ciphertext lengths from leaking message lengths to an
// observer on the wire.
const (
	PaddingBucketSmall  = 256
	PaddingBucketMedium = 1024
	PaddingBucketLarge  = 4096
)

// ErrInvalidPadding is returned when unpadded data carries no valid
// padding delimiter.
var ErrInvalidPadding = errors.New("crypto: invalid message padding")

// padDelimiter marks the end of real data (ISO/IEC 7816-4).
const padDelimiter = 0x80

// Pad appends ISO/IEC 7816-4 padding and extends the message to the
// smallest bucket that fits it; messages beyond the largest bucket are
// rounded up to the next multiple of it. The delimiter byte always fits,
// so the padded form is strictly longer than the input.
func Pad(data []byte) []byte {
	need := len(data) + 1
	var target int
	switch {
	case need <= PaddingBucketSmall:
		target = PaddingBucketSmall
	case need <= PaddingBucketMedium:
		target = PaddingBucketMedium
	case need <= PaddingBucketLarge:
		target = PaddingBucketLarge
	default:
		target = ((need + PaddingBucketLarge - 1) / PaddingBucketLarge) * PaddingBucketLarge
	}

	padded := make([]byte, target)
	copy(padded, data)
	padded[len(data)] = padDelimiter
	return padded
}

// Unpad strips ISO/IEC 7816-4 padding, returning the original message.
// Trailing zeros are skipped back to the delimiter; anything else is
// malformed.
func Unpad(padded []byte) ([]byte, error) {
	i := len(padded) - 1
	for i >= 0 && padded[i] == 0x00 {
		i--
	}
	if i < 0 || padded[i] != padDelimiter {
		return nil, ErrInvalidPadding
	}
	return padded[:i], nil
}
