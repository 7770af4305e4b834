package envelope

import (
	"encoding/base64"
	"fmt"
	"strings"

	"e2ee_messenger/internal/model"
)

// Normalize maps a base64 value from any producer onto the standard alphabet
// with padding. Whitespace is dropped, URL-safe characters are translated.
func Normalize(s string) string {
	s = strings.Join(strings.Fields(s), "")
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	s = strings.TrimRight(s, "=")
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return s
}

func decode(field, s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty %s", model.ErrMalformedInput, field)
	}
	b, err := base64.StdEncoding.DecodeString(Normalize(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrMalformedInput, field, err)
	}
	return b, nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
