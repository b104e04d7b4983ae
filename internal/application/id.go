package application

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID builds a prefixed short identifier, e.g. "analysis_3f2a9c81d04e".
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:])[:12]
}
