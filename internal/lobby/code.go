package lobby

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// codeAlphabet omits 0/O and 1/I.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// GenerateCode returns a random join code.
func GenerateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		code[i] = codeAlphabet[num.Int64()]
	}
	return string(code), nil
}

// NormalizeCode upper-cases and trims a user-typed code.
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
