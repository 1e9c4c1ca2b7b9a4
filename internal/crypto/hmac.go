package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DefaultAuthWindow is how far a handshake timestamp may drift from server
// time before it is rejected.
const DefaultAuthWindow = 30 * time.Second

var (
	// ErrClockSkew marks a handshake timestamp outside the accepted window.
	ErrClockSkew = errors.New("crypto: auth timestamp outside window")

	// ErrBadSignature marks a signature that does not verify.
	ErrBadSignature = errors.New("crypto: auth signature mismatch")
)

// SignAuth computes the handshake signature a client sends with its AUTH
// frame: hex-encoded HMAC-SHA256 over "key_id\n<unix_ts>".
func SignAuth(secret []byte, keyID string, unixTS int64) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s\n%d", keyID, unixTS)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAuth checks an AUTH frame signature in constant time and enforces
// timestamp freshness against now. The timestamp is the decimal Unix epoch
// string from the frame.
func VerifyAuth(secret []byte, keyID, timestamp, signature string, now time.Time, window time.Duration) error {
	if window <= 0 {
		window = DefaultAuthWindow
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: auth timestamp %q: %w", timestamp, err)
	}

	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(window/time.Second) {
		return fmt.Errorf("%w: drift %ds against %s", ErrClockSkew, drift, window)
	}

	want := SignAuth(secret, keyID, ts)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return fmt.Errorf("%w: key %s", ErrBadSignature, keyID)
	}
	return nil
}
