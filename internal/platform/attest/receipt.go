// Package attest issues HMAC-signed completion receipts so a third party can
// check that a user completed a container without querying the database.
package attest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrMalformed = errors.New("malformed receipt")

type Signer struct {
	Secret []byte
}

// Receipt is the attested completion fact.
type Receipt struct {
	UserID      string    `json:"user_id"`
	ContainerID int64     `json:"container_id"`
	CompletedAt time.Time `json:"completed_at"`
	Sig         string    `json:"sig"`
}

func New(secret string) *Signer {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return &Signer{Secret: []byte(secret)}
}

// Sign returns a signed receipt. A nil signer returns an unsigned one.
func (s *Signer) Sign(userID string, containerID int64, completedAt time.Time) Receipt {
	r := Receipt{UserID: userID, ContainerID: containerID, CompletedAt: completedAt.UTC()}
	if s == nil {
		return r
	}
	r.Sig = s.signValue(r.UserID, r.ContainerID, r.CompletedAt.UnixNano())
	return r
}

func (s *Signer) Verify(r Receipt) bool {
	if s == nil || r.Sig == "" {
		return false
	}
	want := s.signValue(r.UserID, r.ContainerID, r.CompletedAt.UnixNano())
	return hmac.Equal([]byte(r.Sig), []byte(want))
}

func (s *Signer) signValue(userID string, containerID int64, completedNanos int64) string {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(userID))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(containerID, 10)))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(completedNanos, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Encode packs a receipt into a compact "payload.sig" token.
func Encode(r Receipt) string {
	payload := fmt.Sprintf("%s|%d|%d", r.UserID, r.ContainerID, r.CompletedAt.UnixNano())
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + r.Sig
}

// Decode reverses Encode. It does not verify the signature.
func Decode(token string) (Receipt, error) {
	encoded, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encoded == "" || sig == "" {
		return Receipt{}, ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Receipt{}, ErrMalformed
	}
	// user ids may contain '|', so split from the right
	parts := strings.Split(string(raw), "|")
	if len(parts) < 3 {
		return Receipt{}, ErrMalformed
	}
	n := len(parts)
	containerID, err := strconv.ParseInt(parts[n-2], 10, 64)
	if err != nil {
		return Receipt{}, ErrMalformed
	}
	nanos, err := strconv.ParseInt(parts[n-1], 10, 64)
	if err != nil {
		return Receipt{}, ErrMalformed
	}
	userID := strings.Join(parts[:n-2], "|")
	if userID == "" {
		return Receipt{}, ErrMalformed
	}
	return Receipt{
		UserID:      userID,
		ContainerID: containerID,
		CompletedAt: time.Unix(0, nanos).UTC(),
		Sig:         sig,
	}, nil
}
