package chat

import (
	"fmt"
	"strings"

	"github.com/onnwee/chatwarden/eventchannel"
)

// Level is an ordered permission level. Checks are always level >= required.
type Level int

const (
	Everyone Level = iota
	Subscriber
	Moderator
	Owner
)

func (l Level) String() string {
	switch l {
	case Subscriber:
		return "subscriber"
	case Moderator:
		return "moderator"
	case Owner:
		return "owner"
	default:
		return "everyone"
	}
}

// Allows reports whether l satisfies required.
func (l Level) Allows(required Level) bool { return l >= required }

// ParseLevel reads a stored level name. "broadcaster" is accepted for Owner
// and "" for Everyone.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "everyone", "none", "viewer":
		return Everyone, nil
	case "subscriber", "sub":
		return Subscriber, nil
	case "moderator", "mod":
		return Moderator, nil
	case "owner", "broadcaster":
		return Owner, nil
	}
	return Everyone, fmt.Errorf("unknown permission level %q", s)
}

// LevelFromBadges picks the highest level a badge set grants.
func LevelFromBadges(badges []eventchannel.Badge) Level {
	lvl := Everyone
	for _, b := range badges {
		var l Level
		switch strings.ToLower(b.Type) {
		case "broadcaster", "owner":
			l = Owner
		case "moderator":
			l = Moderator
		case "subscriber":
			l = Subscriber
		default:
			continue
		}
		if l > lvl {
			lvl = l
		}
	}
	return lvl
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
