package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WebhookSecretFile is the file holding the generated webhook secret token.
const WebhookSecretFile = "webhook_secret"

const maxSecretLen = 256

// WebhookSecret returns explicit when set, otherwise the secret persisted in
// dir, generating one on first use.
func WebhookSecret(explicit, dir string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if !ValidSecretToken(explicit) {
			return "", fmt.Errorf("webhook secret must be 1-%d characters of A-Z, a-z, 0-9, _ or -", maxSecretLen)
		}
		return explicit, nil
	}
	return LoadOrCreateSecret(dir, WebhookSecretFile)
}

// LoadOrCreateSecret reads the secret from dir/name, or generates and
// persists a new 256-bit hex-encoded secret if the file is missing or empty.
func LoadOrCreateSecret(dir, name string) (string, error) {
	path := filepath.Join(dir, name)

	data, err := os.ReadFile(path)
	if err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			if !ValidSecretToken(secret) {
				return "", fmt.Errorf("secret in %s contains invalid characters", path)
			}
			return secret, nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return "", err
	}

	if err := writeSecret(dir, path, secret); err != nil {
		return "", err
	}

	return secret, nil
}

// RotateSecret generates a new secret, replacing the existing one. The
// webhook must be registered again for deliveries to be accepted.
func RotateSecret(dir, name string) (string, error) {
	path := filepath.Join(dir, name)

	secret, err := generateSecret()
	if err != nil {
		return "", err
	}

	if err := writeSecret(dir, path, secret); err != nil {
		return "", err
	}

	return secret, nil
}

// ValidSecretToken reports whether s is accepted by the Bot API as a
// webhook secret_token.
func ValidSecretToken(s string) bool {
	if len(s) == 0 || len(s) > maxSecretLen {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func writeSecret(dir, path, secret string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	return nil
}
