package coordinator

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIDAttempts = 3

// newDeviceID assigns an ID such as "device-9f8e7d6c5b4a3921" to a device
// registered without one. taken reports IDs already in use.
func newDeviceID(taken func(string) bool) (string, error) {
	for range maxIDAttempts {
		u, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("reading random source: %w", err)
		}
		id := "device-" + strings.ReplaceAll(u.String(), "-", "")[:16]
		if !taken(id) {
			return id, nil
		}
	}
	return "", errors.New("too many id collisions")
}

// newDeviceToken issues the bearer secret a device authenticates with.
func newDeviceToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random source: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
