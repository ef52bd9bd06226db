package modem

import "fmt"

// Role selects which end of an acoustic link a modem acts as. Two linked
// modems must be configured with different roles on the same channel.
type Role string

const (
	RoleA Role = "a"
	RoleB Role = "b"
)

// ParseRole converts a config/flag value into a Role.
func ParseRole(raw string) (Role, error) {
	switch raw {
	case "a":
		return RoleA, nil
	case "b":
		return RoleB, nil
	default:
		return "", fmt.Errorf("%w: role must be \"a\" or \"b\", got %q", ErrInvalidArgument, raw)
	}
}

const (
	// MinChannel and MaxChannel bound the acoustic channel selector.
	MinChannel = 1
	MaxChannel = 7
)

// Version is the modem protocol version reported at connect time.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// DiagnosticSnapshot is a point-in-time copy of the link state. It is
// refreshed only on demand; re-query for freshness.
type DiagnosticSnapshot struct {
	LinkUp          bool
	PacketCount     int
	PacketLossCount int
	BitErrorRate    float64
	Role            Role
	Channel         int
}
