package model

import (
	"errors"
	"fmt"
	"strings"
)

// Side is one outcome of a binary opportunity. Every AMM formula is written
// over Side rather than a bool so the two outcomes cannot be swapped.
type Side uint8

const (
	SideYes Side = iota + 1
	SideNo
)

// ErrInvalidSide is returned when a side string is neither YES nor NO.
var ErrInvalidSide = errors.New("model: side must be YES or NO")

// Opposite returns the other outcome.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Valid reports whether s is one of the two outcomes.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

func (s Side) String() string {
	switch s {
	case SideYes:
		return "YES"
	case SideNo:
		return "NO"
	default:
		return "UNSET"
	}
}

// ParseSide accepts "YES"/"NO" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "YES":
		return SideYes, nil
	case "NO":
		return SideNo, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSide, v)
}

// MarshalText encodes the side as "YES"/"NO"; the zero value encodes as "".
func (s Side) MarshalText() ([]byte, error) {
	if s == 0 {
		return []byte{}, nil
	}
	if !s.Valid() {
		return nil, ErrInvalidSide
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes "YES"/"NO"; an empty string decodes to the zero value.
func (s *Side) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = 0
		return nil
	}
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
