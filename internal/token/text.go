package token

import (
	"encoding/base64"
	"fmt"
)

var textEncoding = base64.RawURLEncoding

func encodeText(discriminator byte, b []byte) string {
	out := make([]byte, 1+textEncoding.EncodedLen(len(b)))
	out[0] = discriminator
	textEncoding.Encode(out[1:], b)
	return string(out)
}

func decodeText(discriminator byte, s string) ([]byte, error) {
	if len(s) < 1 || s[0] != discriminator {
		return nil, fmt.Errorf("%w: want prefix %q", ErrDiscriminator, discriminator)
	}
	b, err := textEncoding.DecodeString(s[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}

func textLength(n int) int {
	return 1 + textEncoding.EncodedLen(n)
}
