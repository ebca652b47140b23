package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const signatureVersion = "v1"

// MaxTimestampSkew bounds how far an inbound request's timestamp may drift
// from the server clock before it is rejected, regardless of whether the
// signature itself verifies.
const MaxTimestampSkew = 5 * time.Minute

// Sign computes the X-DorkOS-Signature header value for body, signed with
// secret at the given unix timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	sum := mac.Sum(nil)
	return fmt.Sprintf("t=%d,%s=%s", timestamp, signatureVersion, hex.EncodeToString(sum))
}

// parsedSignature is the decoded form of an X-DorkOS-Signature header.
type parsedSignature struct {
	timestamp int64
	digest    []byte
}

func parseSignatureHeader(header string) (parsedSignature, error) {
	var ts int64
	var digestHex string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return parsedSignature{}, fmt.Errorf("invalid timestamp: %w", err)
			}
			ts = v
		case signatureVersion:
			digestHex = kv[1]
		}
	}
	if ts == 0 || digestHex == "" {
		return parsedSignature{}, fmt.Errorf("malformed signature header")
	}
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return parsedSignature{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	return parsedSignature{timestamp: ts, digest: digest}, nil
}

// Verify reports whether header is a valid signature of body under any of
// secrets, computed at a timestamp within MaxTimestampSkew of now. Trying
// every secret in turn is what lets a secret rotation roll forward without
// a delivery gap: the sender starts signing with the new secret while the
// receiver still accepts signatures from the old one until the rotation is
// confirmed complete.
func Verify(secrets []string, header string, body []byte, now time.Time) bool {
	sig, err := parseSignatureHeader(header)
	if err != nil {
		return false
	}
	skew := now.Unix() - sig.timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxTimestampSkew {
		return false
	}

	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(strconv.FormatInt(sig.timestamp, 10)))
		mac.Write([]byte("."))
		mac.Write(body)
		expected := mac.Sum(nil)
		if hmac.Equal(expected, sig.digest) {
			return true
		}
	}
	return false
}
