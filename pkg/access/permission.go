package access

import (
	"sort"
	"strings"

	"github.com/core-tools/hsu-monitor/pkg/errors"
)

// Permission is a bitmask over the capability enumeration
type Permission uint32

const (
	ViewLogs Permission = 1 << iota
	ViewMonitoring
	Restart
	Stop
	Delete
)

const (
	// None grants nothing
	None Permission = 0

	// All grants every capability
	All = ViewLogs | ViewMonitoring | Restart | Stop | Delete

	// GuestPermissions is the fixed read-only set of the showcase principal
	GuestPermissions = ViewLogs | ViewMonitoring

	// ControlPermissions are the capabilities that act on a process
	ControlPermissions = Restart | Stop | Delete
)

var capabilityNames = []struct {
	name string
	perm Permission
}{
	{"LOGS", ViewLogs},
	{"MONITORING", ViewMonitoring},
	{"RESTART", Restart},
	{"STOP", Stop},
	{"DELETE", Delete},
}

// Has reports whether every required bit is present in mask
func Has(mask Permission, required ...Permission) bool {
	for _, r := range required {
		if mask&r != r {
			return false
		}
	}
	return true
}

// Has is the method form of the package level Has
func (p Permission) Has(required ...Permission) bool {
	return Has(p, required...)
}

// Union combines masks with bitwise OR
func Union(masks ...Permission) Permission {
	var out Permission
	for _, m := range masks {
		out |= m
	}
	return out
}

// Common intersects masks with bitwise AND. No masks yields None.
func Common(masks ...Permission) Permission {
	if len(masks) == 0 {
		return None
	}
	out := All
	for _, m := range masks {
		out &= m
	}
	return out
}

// Names lists the capability names present in the mask in enumeration order
func (p Permission) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, c := range capabilityNames {
		if p&c.perm != 0 {
			names = append(names, c.name)
		}
	}
	return names
}

func (p Permission) String() string {
	if p == None {
		return "NONE"
	}
	return strings.Join(p.Names(), "|")
}

// ParsePermission builds a mask from capability names (case insensitive)
func ParsePermission(names ...string) (Permission, error) {
	var out Permission
	for _, n := range names {
		perm, ok := lookupCapability(n)
		if !ok {
			known := make([]string, 0, len(capabilityNames))
			for _, c := range capabilityNames {
				known = append(known, c.name)
			}
			sort.Strings(known)
			return None, errors.NewValidationError("unknown capability", nil).
				WithContext("capability", n).
				WithContext("supported", strings.Join(known, ", "))
		}
		out |= perm
	}
	return out, nil
}

func lookupCapability(name string) (Permission, bool) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	upper = strings.TrimPrefix(upper, "VIEW_")
	for _, c := range capabilityNames {
		if c.name == upper {
			return c.perm, true
		}
	}
	return None, false
}
