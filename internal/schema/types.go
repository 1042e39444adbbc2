package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relay/internal/constants"
	"relay/pkg/errors"
)

// Schema is one registered version. It is never mutated after registration.
type Schema struct {
	Name         string          `json:"name"`
	Version      int             `json:"version"`
	Body         json.RawMessage `json:"body"`
	RegisteredAt time.Time       `json:"registered_at"`
}

type RegistrationResult struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Created bool   `json:"created"`
}

type ValidationResult struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// Violation is one failed constraint, located by JSON pointer.
type Violation struct {
	InstanceLocation string `json:"instance_location"`
	KeywordLocation  string `json:"keyword_location"`
	Message          string `json:"message"`
}

func (v Violation) String() string {
	loc := v.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, v.Message)
}

// ParseVersion turns a version selector into a number. Zero means latest.
func ParseVersion(selector string) (int, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" || strings.EqualFold(selector, constants.SchemaVersionLatest) {
		return 0, nil
	}
	v, err := strconv.Atoi(strings.TrimPrefix(selector, "v"))
	if err != nil || v < 1 {
		return 0, errors.ErrValidation.WithMessage(fmt.Sprintf("invalid schema version %q", selector))
	}
	return v, nil
}
