package server

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/hackpot/hackpot/users"
)

const loginAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// generateLogin returns a fresh OS account name: the service prefix plus
// eight random lowercase characters.
func generateLogin() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate login: %w", err)
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = loginAlphabet[int(b)%len(loginAlphabet)]
	}
	return users.LoginPrefix + string(out), nil
}

// generateSecret returns a url-safe random string of n bytes of entropy,
// used for session passwords and terminal access tokens.
func generateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
