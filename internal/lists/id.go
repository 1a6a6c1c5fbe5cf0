package lists

import (
	"strings"

	"github.com/google/uuid"
)

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// newShareToken derives a 32-character hex token from a random UUID,
// matching the dash-stripped format share links are resolved against.
func newShareToken() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(value.String(), "-", ""), nil
}
