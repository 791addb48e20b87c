package relay

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderToken     = "X-MoltMart-Token"
	HeaderSignature = "X-MoltMart-Signature"
	HeaderTimestamp = "X-MoltMart-Timestamp"
	HeaderBuyer     = "X-MoltMart-Buyer"
	HeaderBuyerName = "X-MoltMart-Buyer-Name"
	HeaderTx        = "X-MoltMart-Tx"

	// TokenPrefixLen is how much of the secret hash identifies the relay to a seller.
	TokenPrefixLen = 16

	secretPrefix = "mm_sk_"
)

var (
	ErrMissingHeaders   = errors.New("missing MoltMart relay headers")
	ErrTokenMismatch    = errors.New("relay token does not match service secret")
	ErrTimestampSkew    = errors.New("relay timestamp outside allowed skew")
	ErrSignatureInvalid = errors.New("relay signature invalid")
)

// GenerateSecret returns a new service secret and the hash that is stored
// in its place. The plaintext is shown to the seller once.
func GenerateSecret() (plaintext, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	plaintext = secretPrefix + hex.EncodeToString(buf)
	return plaintext, HashSecret(plaintext), nil
}

// HashSecret is the stored form of a service secret.
func HashSecret(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// TokenPrefix is the X-MoltMart-Token value for a stored secret hash.
func TokenPrefix(secretHash string) string {
	if len(secretHash) <= TokenPrefixLen {
		return secretHash
	}
	return secretHash[:TokenPrefixLen]
}

// ComputeSignature is HMAC-SHA256 over body, timestamp and service id keyed
// by the stored secret hash, hex encoded.
func ComputeSignature(secretHash string, body []byte, timestamp, serviceID string) string {
	mac := hmac.New(sha256.New, []byte(secretHash))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(serviceID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyRequest lets a seller check that r was relayed by the marketplace
// for serviceID. The seller derives secretHash with HashSecret from the
// plaintext secret it received at listing time.
func VerifyRequest(r *http.Request, body []byte, secretHash, serviceID string, maxSkew time.Duration, now time.Time) error {
	token := strings.TrimSpace(r.Header.Get(HeaderToken))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if token == "" || signature == "" || timestamp == "" {
		return ErrMissingHeaders
	}
	if !hmac.Equal([]byte(token), []byte(TokenPrefix(secretHash))) {
		return ErrTokenMismatch
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew > 0 {
		skew := now.Sub(time.Unix(secs, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return ErrTimestampSkew
		}
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected, _ := hex.DecodeString(ComputeSignature(secretHash, body, timestamp, serviceID))
	if !hmac.Equal(provided, expected) {
		return ErrSignatureInvalid
	}
	return nil
}
