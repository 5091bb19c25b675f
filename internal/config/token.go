package config

import (
	"fmt"

	"github.com/google/uuid"
)

const apiTokenAccount = "api_token"

// GetAPIToken returns the bearer token of the local API, generating and
// storing one on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.New().String()
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
