package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDKind prefixes generated identifiers.
type IDKind string

const (
	IDRun     IDKind = "run"
	IDAttempt IDKind = "att"
	IDItem    IDKind = "item"
)

func (k IDKind) valid() bool {
	return k == IDRun || k == IDAttempt || k == IDItem
}

// NewID returns "<kind>_<uuidv7 hex>". IDs of one kind sort by creation time.
func NewID(kind IDKind) (string, error) {
	if !kind.valid() {
		return "", fmt.Errorf("invalid id kind %q", kind)
	}
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return string(kind) + "_" + strings.ReplaceAll(u.String(), "-", ""), nil
}

// ParseID splits a generated id into its kind and creation time.
func ParseID(id string) (IDKind, time.Time, error) {
	prefix, hex, ok := strings.Cut(id, "_")
	kind := IDKind(prefix)
	if !ok || !kind.valid() || len(hex) != 32 || strings.ToLower(hex) != hex {
		return "", time.Time{}, fmt.Errorf("malformed id %q", id)
	}
	u, err := uuid.Parse(hex)
	if err != nil || u.Version() != 7 {
		return "", time.Time{}, fmt.Errorf("malformed id %q", id)
	}
	sec, nsec := u.Time().UnixTime()
	return kind, time.Unix(sec, nsec), nil
}

// ValidID reports whether id was produced by NewID.
func ValidID(id string) bool {
	_, _, err := ParseID(id)
	return err == nil
}
