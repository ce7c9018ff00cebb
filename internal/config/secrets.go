package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"strings"
	"unicode"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// MinJWTSecretLength is the shortest signing key accepted in production.
const MinJWTSecretLength = 32

// envKeys are consulted in order to find the deployment environment.
var envKeys = []string{"GO_ENV", "SITEBUILDER_ENV", "ENVIRONMENT", "ENV"}

// placeholderWords mark a secret copied from an example file.
var placeholderWords = []string{
	"secret", "changeme", "password", "example", "default",
	"placeholder", "replace-me", "sitebuilder",
}

// DetectEnvironment returns the lowercased environment name, defaulting to
// development.
func DetectEnvironment() string {
	for _, k := range envKeys {
		if v := os.Getenv(k); v != "" {
			return strings.ToLower(v)
		}
	}
	return EnvDevelopment
}

// SecretProblem is one rejected secret.
type SecretProblem struct {
	Key    string
	Reason string
}

// SecretsError lists every secret that failed validation.
type SecretsError []SecretProblem

func (e SecretsError) Error() string {
	msgs := make([]string, len(e))
	for i, p := range e {
		msgs[i] = p.Key + ": " + p.Reason
	}
	return "invalid secrets: " + strings.Join(msgs, "; ")
}

// Keys returns the names of the rejected secrets.
func (e SecretsError) Keys() []string {
	keys := make([]string, len(e))
	for i, p := range e {
		keys[i] = p.Key
	}
	return keys
}

// ValidateSecrets checks the secrets held by cfg. Production rejects missing
// or guessable values. Elsewhere a missing JWT secret is replaced with a
// random one for the lifetime of the process.
func ValidateSecrets(cfg *Config) error {
	var problems SecretsError
	prod := cfg.IsProduction()

	switch {
	case cfg.JWTSecret == "" && prod:
		problems = append(problems, SecretProblem{"JWT_SECRET", "not set"})
	case cfg.JWTSecret == "":
		secret, err := RandomSecret(48)
		if err != nil {
			return err
		}
		cfg.JWTSecret = secret
	case prod:
		if reason := weakSecret(cfg.JWTSecret); reason != "" {
			problems = append(problems, SecretProblem{"JWT_SECRET", reason})
		}
	}

	if prod && (cfg.AdminPassword == "" || cfg.AdminPassword == "admin") {
		problems = append(problems, SecretProblem{"ADMIN_PASSWORD", "the default password is not allowed"})
	}

	if len(problems) > 0 {
		return problems
	}
	return nil
}

// weakSecret explains why s is unfit as a signing key, or returns "".
func weakSecret(s string) string {
	if len(s) < MinJWTSecretLength {
		return fmt.Sprintf("must be at least %d characters", MinJWTSecretLength)
	}
	lower := strings.ToLower(s)
	for _, w := range placeholderWords {
		if strings.Contains(lower, w) {
			return fmt.Sprintf("contains placeholder word %q", w)
		}
	}
	letters, digits := 0, 0
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	n := len([]rune(s))
	if letters == n || digits == n {
		return "must mix character classes"
	}
	if e := entropy(s); e < 3.0 {
		return fmt.Sprintf("entropy %.1f bits/char is below 3.0", e)
	}
	return ""
}

// entropy is the Shannon entropy of s in bits per character.
func entropy(s string) float64 {
	counts := map[rune]int{}
	n := 0
	for _, r := range s {
		counts[r]++
		n++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

// RandomSecret returns n random bytes, base64url encoded.
func RandomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
