package service

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	totpSecretBytes = 20
	totpDigits      = 6
	totpPeriod      = 30
	totpModulus     = 1000000

	// TOTPWindow is how many periods of clock drift are tolerated each way.
	TOTPWindow = 1
)

var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateTOTPSecret returns a fresh base32 secret for authenticator apps.
func GenerateTOTPSecret() (string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return totpEncoding.EncodeToString(raw), nil
}

// ProvisioningURI builds the otpauth:// URI rendered as a QR code.
func ProvisioningURI(issuer, account, secret string) string {
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("algorithm", "SHA1")
	v.Set("digits", strconv.Itoa(totpDigits))
	v.Set("period", strconv.Itoa(totpPeriod))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

func decodeTOTPSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.TrimRight(strings.ReplaceAll(secret, " ", ""), "="))
	raw, err := totpEncoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid totp secret: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("invalid totp secret: empty")
	}
	return raw, nil
}

// DeriveTOTP computes the RFC 6238 value (HMAC-SHA1, 6 digits) for timeStep.
func DeriveTOTP(secret string, timeStep int64) (string, error) {
	key, err := decodeTOTPSecret(secret)
	if err != nil {
		return "", err
	}
	return hotp(key, timeStep), nil
}

func hotp(key []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%0*d", totpDigits, bin%totpModulus)
}

// TimeStep is the TOTP counter for t.
func TimeStep(t time.Time) int64 {
	return t.Unix() / totpPeriod
}

// VerifyTOTP accepts token if it matches any step within window of now.
func VerifyTOTP(token, secret string, now time.Time, window int) bool {
	token = strings.TrimSpace(token)
	if len(token) != totpDigits {
		return false
	}
	key, err := decodeTOTPSecret(secret)
	if err != nil {
		return false
	}

	current := TimeStep(now)
	matched := 0
	for i := -window; i <= window; i++ {
		step := current + int64(i)
		if step < 0 {
			continue
		}
		matched |= subtle.ConstantTimeCompare([]byte(hotp(key, step)), []byte(token))
	}
	return matched == 1
}

// generateBackupCodes returns n codes of the form XXXX-XXXX.
func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	buf := make([]byte, 4)
	for len(codes) < n {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		h := strings.ToUpper(hex.EncodeToString(buf))
		code := h[:4] + "-" + h[4:]
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

func normalizeBackupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// hashBackupCode is the stored form of a backup code.
func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}

func hashBackupCodes(codes []string) []string {
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = hashBackupCode(c)
	}
	return hashes
}
