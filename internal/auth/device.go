package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// DeviceGate checks the shared secret presented by the car controller on
// the HTTP pull endpoints. A gate without a hash admits every request.
type DeviceGate struct {
	hash []byte
}

// NewDeviceGate creates a gate for the given bcrypt hash. Empty disables it.
func NewDeviceGate(hash string) *DeviceGate {
	if hash == "" {
		return &DeviceGate{}
	}
	return &DeviceGate{hash: []byte(hash)}
}

// Enabled reports whether a device token is required.
func (g *DeviceGate) Enabled() bool {
	return len(g.hash) > 0
}

// Allow verifies token against the configured hash.
func (g *DeviceGate) Allow(token string) bool {
	if !g.Enabled() {
		return true
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(token)) == nil
}

// HashDeviceToken produces the bcrypt hash to configure for a device token.
func HashDeviceToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
