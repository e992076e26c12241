// Package identity keeps the local device id and display name.
package identity

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultFallbackPrefix = "Nick"
	MaxNameLen            = 40
)

var ErrInvalidName = errors.New("identity: invalid display name")

// Local is who this device is in a chat. ID never changes once created.
type Local struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Store persists the identity between runs.
type Store interface {
	DisplayName() (string, bool, error)
	SetDisplayName(name string) error
	DeviceID() (string, bool, error)
	SetDeviceID(id string) error
	Close() error
}

// Load reads the identity from s, generating and persisting whatever is
// missing: a random device id, and a fallback name of prefix plus a number
// below 1000.
func Load(s Store, fallbackPrefix string) (Local, error) {
	id, ok, err := s.DeviceID()
	if err != nil {
		return Local{}, fmt.Errorf("read device id: %w", err)
	}
	if !ok || id == "" {
		id = uuid.NewString()
		if err := s.SetDeviceID(id); err != nil {
			return Local{}, fmt.Errorf("save device id: %w", err)
		}
	}

	name, ok, err := s.DisplayName()
	if err != nil {
		return Local{}, fmt.Errorf("read display name: %w", err)
	}
	if !ok || strings.TrimSpace(name) == "" {
		name = FallbackName(fallbackPrefix)
		if err := s.SetDisplayName(name); err != nil {
			return Local{}, fmt.Errorf("save display name: %w", err)
		}
	}
	return Local{ID: id, DisplayName: name}, nil
}

func FallbackName(prefix string) string {
	if prefix == "" {
		prefix = DefaultFallbackPrefix
	}
	return fmt.Sprintf("%s%d", prefix, rand.IntN(1000))
}

// ValidateDisplayName trims name and checks it is usable on the wire and in
// an advertisement.
func ValidateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxNameLen {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLen)
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: control characters", ErrInvalidName)
	}
	return name, nil
}
