// Package control sends directional movement commands to the remote device.
package control

import (
	"errors"
	"fmt"
	"strings"
)

// Direction is the canonical command vocabulary sent on the wire.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
	Left     Direction = "left"
	Right    Direction = "right"
	Stop     Direction = "stop"
)

// ErrUnknownDirection is returned for input outside the vocabulary.
var ErrUnknownDirection = errors.New("control: unknown direction")

// Directions lists the vocabulary in display order.
var Directions = []Direction{Forward, Backward, Left, Right, Stop}

// Single-character codes used by the tap-style pad.
var shortCodes = map[string]Direction{
	"f": Forward,
	"b": Backward,
	"a": Left,
	"c": Right,
	"s": Stop,
}

// ParseDirection normalizes canonical names (any case) and the tap-pad
// codes f, b, a, c, s to a Direction.
func ParseDirection(s string) (Direction, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if d, ok := shortCodes[key]; ok {
		return d, nil
	}
	for _, d := range Directions {
		if key == string(d) {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDirection, s)
}

// Mode selects how an activation turns into commands.
type Mode int

const (
	// Repeat sends immediately and then on every interval until Stop.
	Repeat Mode = iota
	// SingleShot sends once per activation.
	SingleShot
)

func (m Mode) String() string {
	if m == SingleShot {
		return "single"
	}
	return "repeat"
}

// ParseMode accepts "repeat"/"hold" and "single"/"tap".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "repeat", "hold":
		return Repeat, nil
	case "single", "tap", "single-shot":
		return SingleShot, nil
	default:
		return Repeat, fmt.Errorf("control: unknown mode %q", s)
	}
}
