package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// GenerateKey derives a key from the requesting client, the patient, the drug
// and the UTC calendar day, so resubmissions on the same day collapse.
// Patient ids and drug names compare case-insensitively. Extra parts, such as
// an inline patient record, narrow the key further.
func GenerateKey(clientID, patientID, drugID string, requestedAt time.Time, extra ...string) string {
	h := sha256.New()
	parts := []string{
		clientID,
		strings.ToLower(patientID),
		strings.ToLower(drugID),
		requestedAt.UTC().Format(time.DateOnly),
	}
	for _, part := range append(parts, extra...) {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks a handler error as final: the key is stored FAILED and later
// duplicates get ErrPreviouslyFailed instead of running again.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
