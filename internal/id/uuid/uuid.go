// Package uuid provides scan ID generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/securescan/internal/scan"
)

var _ scan.IDGenerator = Generator{}

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
