package security

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpDigits           = 6
	totpPeriod           = 30
	totpSecretBytes      = 20 // 160 bits, base32-encoded by the library
	backupCodeLength     = 8
	defaultBackupCodes   = 10
	backupCodeCharacters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrCodeFormat is returned when a submitted code is rejected before any
// cryptographic work (wrong length or non-numeric).
var ErrCodeFormat = errors.New("code must be 6 digits")

// Enrollment holds the secret and provisioning URI issued during 2FA setup.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
}

// SetupResult distinguishes the user-facing failure modes of a setup
// confirmation. The distinction is UX, not a security boundary.
type SetupResult struct {
	OK    bool
	Error string
}

// codeValidator matches totp.ValidateCustom. Injectable so tests can assert
// that malformed codes never reach the cryptographic path.
type codeValidator func(passcode, secret string, t time.Time, opts totp.ValidateOpts) (bool, error)

// TotpService generates shared secrets, renders provisioning QR codes, and
// verifies time-based codes with clock-skew tolerance.
type TotpService struct {
	issuer   string
	skew     uint
	validate codeValidator
}

// NewTotpService creates a service labeling enrollments with the given issuer.
// skew is the number of adjacent 30-second steps accepted around now.
func NewTotpService(issuer string, skew uint) *TotpService {
	if issuer == "" {
		issuer = "Gatekit"
	}
	return &TotpService{
		issuer:   issuer,
		skew:     skew,
		validate: totp.ValidateCustom,
	}
}

// Enroll generates a cryptographically random 160-bit secret and builds the
// otpauth:// URI understood by authenticator apps.
func (s *TotpService) Enroll(identityLabel string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: identityLabel,
		SecretSize:  totpSecretBytes,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}
	return &Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
	}, nil
}

// ProvisioningURI rebuilds the otpauth:// URI for an already-issued secret
// (compatible with Google Authenticator).
func (s *TotpService) ProvisioningURI(secret, identityLabel string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s",
		url.PathEscape(s.issuer), url.PathEscape(identityLabel), secret, url.QueryEscape(s.issuer))
}

// RenderProvisioningImage renders the otpauth URI as a scannable PNG QR code.
// Pure presentation; no security logic.
func (s *TotpService) RenderProvisioningImage(uri string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, err
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VerifyCode checks a 6-digit time-based code against the secret within the
// configured skew window. Codes that are not exactly 6 digits are rejected
// before any cryptographic work.
func (s *TotpService) VerifyCode(code, secret string) bool {
	code = strings.TrimSpace(code)
	if !isSixDigits(code) {
		return false
	}
	ok, err := s.validate(code, secret, time.Now(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      s.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// VerifyCodeAt is VerifyCode with an explicit reference time, used by tests.
func (s *TotpService) VerifyCodeAt(code, secret string, at time.Time) bool {
	code = strings.TrimSpace(code)
	if !isSixDigits(code) {
		return false
	}
	ok, err := s.validate(code, secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      s.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// ValidateSetup wraps VerifyCode with user-facing messages so enrollment UIs
// can distinguish format mistakes from a wrong code.
func (s *TotpService) ValidateSetup(code, secret string) SetupResult {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits {
		return SetupResult{Error: "code must be 6 digits"}
	}
	if !isNumeric(code) {
		return SetupResult{Error: "code must be numeric"}
	}
	if !s.VerifyCode(code, secret) {
		return SetupResult{Error: "incorrect code"}
	}
	return SetupResult{OK: true}
}

// GenerateBackupCodes returns count one-time recovery codes (default 10),
// each 8 alphanumeric characters rendered as two dash-separated groups.
func (s *TotpService) GenerateBackupCodes(count int) ([]string, error) {
	if count <= 0 {
		count = defaultBackupCodes
	}
	codes := make([]string, count)
	for i := range codes {
		raw := make([]byte, backupCodeLength)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		for j := range raw {
			raw[j] = backupCodeCharacters[int(raw[j])%len(backupCodeCharacters)]
		}
		codes[i] = string(raw[:4]) + "-" + string(raw[4:])
	}
	return codes, nil
}

// HashBackupCode normalizes a backup code (dash and case insensitive) and
// returns its SHA-256 hex digest, the only form ever persisted.
func HashBackupCode(code string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func isSixDigits(code string) bool {
	return len(code) == totpDigits && isNumeric(code)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
