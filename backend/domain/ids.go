package domain

import (
	"strings"

	"github.com/google/uuid"
)

// IsValidClientID 订阅 client ID 必须是 UUID v4
func IsValidClientID(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Version() == 4 && parsed.Variant() == uuid.RFC4122
}
