package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const apiTokenAccount = "api_token"

// GetAPIToken returns the bearer token protecting the management API.
// REMINDD_API_TOKEN wins if set; otherwise the token is read from the
// platform secret store, generated and persisted on first use.
func GetAPIToken() (string, error) {
	if tok := strings.TrimSpace(os.Getenv("REMINDD_API_TOKEN")); tok != "" {
		return tok, nil
	}

	if out, err := keychainGet("remindd", apiTokenAccount); err == nil {
		if tok := strings.TrimSpace(string(out)); tok != "" {
			return tok, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok := hex.EncodeToString(buf)

	if err := keychainSet("remindd", apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
