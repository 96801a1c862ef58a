package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// --- Argon2id Configuration ---
// These parameters follow OWASP recommendations for a balance of security and performance.
type HashParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

var DefaultParams = HashParams{
	Memory:      64 * 1024, // 64MB
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

const (
	specialChars       = "!@#$%^&*()-_=+[]{};:,.<>?"
	resetTokenLength   = 32
	alphanumericChars  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	DefaultMaxAgeDays  = 90
	defaultRandomChars = 12
)

// commonPatterns is the deny-list matched case-insensitively as substrings.
var commonPatterns = []string{"password", "123456", "qwerty", "admin", "letmein", "welcome"}

// StrengthResult is the outcome of a password strength evaluation. Score is a
// secondary UX signal; Valid is governed by the rule errors alone.
type StrengthResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
	Score  int      `json:"score"` // 0-100
}

// PasswordPolicy hashes, verifies and scores passwords, and generates random
// passwords and reset tokens.
type PasswordPolicy struct {
	params HashParams
}

// NewPasswordPolicy creates a policy with the given Argon2id cost parameters.
// Zero-value fields fall back to DefaultParams.
func NewPasswordPolicy(params HashParams) *PasswordPolicy {
	if params.Memory == 0 {
		params.Memory = DefaultParams.Memory
	}
	if params.Iterations == 0 {
		params.Iterations = DefaultParams.Iterations
	}
	if params.Parallelism == 0 {
		params.Parallelism = DefaultParams.Parallelism
	}
	if params.SaltLength == 0 {
		params.SaltLength = DefaultParams.SaltLength
	}
	if params.KeyLength == 0 {
		params.KeyLength = DefaultParams.KeyLength
	}
	return &PasswordPolicy{params: params}
}

// Hash generates an Argon2id hash from a plaintext password.
// Returns a string in the standard encoded format: $argon2id$v=19$m=...,t=...,p=...$salt$hash
func (p *PasswordPolicy) Hash(password string) (string, error) {
	salt := make([]byte, p.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey(
		[]byte(password),
		salt,
		p.params.Iterations,
		p.params.Memory,
		p.params.Parallelism,
		p.params.KeyLength,
	)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.params.Memory, p.params.Iterations, p.params.Parallelism, b64Salt, b64Hash)

	return encoded, nil
}

// Verify checks if a hash matches a plaintext password.
// It uses constant-time comparison to prevent timing attacks.
func (p *PasswordPolicy) Verify(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return false, errors.New("invalid hash format")
	}

	var memory, iterations uint32
	var parallelism uint8
	_, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}

	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}

	keyLen := uint32(len(decodedHash))
	comparisonHash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLen)

	if subtle.ConstantTimeCompare(decodedHash, comparisonHash) == 1 {
		return true, nil
	}

	return false, nil
}

// ScoreStrength evaluates a candidate password against the base rules and
// returns a 0-100 score. A password is valid only when no rule produced an
// error; the length bonuses affect the score alone.
func (p *PasswordPolicy) ScoreStrength(password string) StrengthResult {
	var result StrengthResult

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(specialChars, r):
			hasSpecial = true
		}
	}

	if len(password) >= 8 {
		result.Score += 20
	} else {
		result.Errors = append(result.Errors, "password must be at least 8 characters long")
	}
	if hasUpper {
		result.Score += 20
	} else {
		result.Errors = append(result.Errors, "password must contain an uppercase letter")
	}
	if hasLower {
		result.Score += 20
	} else {
		result.Errors = append(result.Errors, "password must contain a lowercase letter")
	}
	if hasDigit {
		result.Score += 20
	} else {
		result.Errors = append(result.Errors, "password must contain a digit")
	}
	if hasSpecial {
		result.Score += 20
	} else {
		result.Errors = append(result.Errors, "password must contain a special character")
	}

	// Length bonuses are score-only.
	if len(password) >= 12 {
		result.Score += 10
	}
	if len(password) >= 16 {
		result.Score += 10
	}

	lowered := strings.ToLower(password)
	for _, pattern := range commonPatterns {
		if strings.Contains(lowered, pattern) {
			result.Score -= 20
			result.Errors = append(result.Errors, "password contains a common pattern")
			break
		}
	}

	if hasRepeatedRun(password, 3) {
		result.Score -= 10
		result.Errors = append(result.Errors, "password contains repeated characters")
	}

	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 100 {
		result.Score = 100
	}
	result.Valid = len(result.Errors) == 0
	return result
}

// GenerateRandom produces a random password of the given length (minimum 8,
// default 12 when length <= 0) that is guaranteed to pass the base strength
// rules: one slot is seeded from each character class before the remainder is
// filled and the whole string shuffled.
func (p *PasswordPolicy) GenerateRandom(length int) (string, error) {
	if length <= 0 {
		length = defaultRandomChars
	}
	if length < 8 {
		length = 8
	}

	const (
		upper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
		lower = "abcdefghijklmnopqrstuvwxyz"
		digit = "0123456789"
	)
	classes := []string{upper, lower, digit, specialChars}
	all := upper + lower + digit + specialChars

	buf := make([]byte, 0, length)
	for _, class := range classes {
		c, err := randomChar(class)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}
	for len(buf) < length {
		c, err := randomChar(all)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}

	// Fisher-Yates with crypto/rand so the class-seeded prefix is not predictable.
	for i := len(buf) - 1; i > 0; i-- {
		j, err := randomIndex(i + 1)
		if err != nil {
			return "", err
		}
		buf[i], buf[j] = buf[j], buf[i]
	}

	return string(buf), nil
}

// ShouldRotate reports whether a password is due for rotation: never changed,
// or older than maxAgeDays (default 90 when maxAgeDays <= 0).
func (p *PasswordPolicy) ShouldRotate(lastChangedAt time.Time, maxAgeDays int) bool {
	if lastChangedAt.IsZero() {
		return true
	}
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultMaxAgeDays
	}
	return time.Since(lastChangedAt) > time.Duration(maxAgeDays)*24*time.Hour
}

// GenerateResetToken returns a 32-character alphanumeric single-use token.
// Expiry binding is the caller's responsibility; the token carries no state.
func (p *PasswordPolicy) GenerateResetToken() (string, error) {
	buf := make([]byte, resetTokenLength)
	for i := range buf {
		c, err := randomChar(alphanumericChars)
		if err != nil {
			return "", err
		}
		buf[i] = c
	}
	return string(buf), nil
}

func hasRepeatedRun(s string, n int) bool {
	run := 1
	runes := []rune(s)
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

func randomChar(set string) (byte, error) {
	idx, err := randomIndex(len(set))
	if err != nil {
		return 0, err
	}
	return set[idx], nil
}

func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
