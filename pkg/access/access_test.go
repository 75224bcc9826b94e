package access

import (
	"testing"

	"github.com/core-tools/hsu-monitor/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHas(t *testing.T) {
	caps := []Permission{ViewLogs, ViewMonitoring, Restart, Stop, Delete}
	for _, a := range caps {
		for _, b := range caps {
			assert.True(t, Has(Union(a, b), a, b), "union of %s and %s", a, b)
		}
		assert.False(t, Has(None, a), "empty mask must not have %s", a)
	}

	assert.False(t, Has(ViewLogs, ViewLogs, Restart), "all required bits must be present")
	assert.True(t, Has(ViewLogs), "no required bits is trivially satisfied")
}

func TestCommonIsLowerBound(t *testing.T) {
	masks := []Permission{None, ViewLogs, ViewLogs | Restart, All, Stop | Delete, GuestPermissions}
	for _, a := range masks {
		for _, b := range masks {
			c := Common(a, b)
			assert.True(t, Has(a, c))
			assert.True(t, Has(b, c))
		}
	}
	assert.Equal(t, None, Common())
	assert.Equal(t, ViewLogs, Common(ViewLogs|Restart, ViewLogs|Stop, ViewLogs))
}

func TestResolve(t *testing.T) {
	acl := ACL{
		Hosts: []HostEntry{
			{
				HostID: "h1",
				Mask:   ViewLogs | ViewMonitoring,
				Processes: []ProcessOverride{
					{ProcessID: "p1", Mask: ViewLogs},
					{ProcessID: "p2", Mask: None},
				},
			},
		},
	}

	tests := []struct {
		name      string
		acl       ACL
		hostID    string
		processID string
		want      Permission
	}{
		{"override replaces host default", acl, "h1", "p1", ViewLogs},
		{"zero override is authoritative", acl, "h1", "p2", None},
		{"host default without override", acl, "h1", "p3", ViewLogs | ViewMonitoring},
		{"host scope", acl, "h1", "", ViewLogs | ViewMonitoring},
		{"missing host entry", acl, "h2", "p1", None},
		{"admin bypass", ACL{Admin: true}, "any", "any", All},
		{"owner bypass", ACL{Owner: true}, "any", "", All},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.acl, tt.hostID, tt.processID))
		})
	}
}

func TestResolve_IndependentOfUpdateOrder(t *testing.T) {
	a := ACL{}.
		WithPermission("h1", "", ViewLogs|Restart).
		WithPermission("h2", "", All).
		WithPermission("h1", "p1", Stop)

	b := ACL{}.
		WithPermission("h2", "", All).
		WithPermission("h1", "p1", Stop).
		WithPermission("h1", "", ViewLogs|Restart).
		WithPermission("h1", "p1", Stop)

	for _, host := range []string{"h1", "h2", "h3"} {
		for _, proc := range []string{"", "p1", "p2"} {
			assert.Equal(t, Resolve(a, host, proc), Resolve(b, host, proc), "host=%s process=%s", host, proc)
		}
	}
}

func TestWithPermission_HostResetsOverrides(t *testing.T) {
	acl := ACL{}.WithPermission("h1", "p1", Stop)
	assert.Equal(t, Stop, Resolve(acl, "h1", "p1"))

	updated := acl.WithPermission("h1", "", ViewLogs)
	assert.Equal(t, ViewLogs, Resolve(updated, "h1", "p1"))
	assert.Equal(t, Stop, Resolve(acl, "h1", "p1"), "input acl must not be mutated")

	cleared := updated.WithPermission("h1", "p1", Delete).WithoutOverride("h1", "p1")
	assert.Equal(t, ViewLogs, Resolve(cleared, "h1", "p1"))
}

func TestGuestPrincipal(t *testing.T) {
	guest := NewGuest()
	assert.Equal(t, GuestPermissions, guest.Resolve("h1", "p1"))
	assert.True(t, guest.Can("any", "any", ViewLogs, ViewMonitoring))
	assert.False(t, guest.Can("any", "any", Restart))
	assert.False(t, guest.CanControl("any", "any"))
	assert.False(t, guest.IsPrivileged())
	assert.True(t, guest.Sees("any"))
}

func TestPrincipal_CanControl(t *testing.T) {
	viewer := Principal{UserID: "u1", ACL: ACL{}.WithPermission("h1", "", ViewLogs|ViewMonitoring).WithPermission("h1", "p2", Stop)}
	assert.False(t, viewer.CanControl("h1", "p1"))
	assert.True(t, viewer.CanControl("h1", "p2"))
	assert.False(t, viewer.CanControl("h2", ""))

	admin := Principal{UserID: "root", ACL: ACL{Admin: true}}
	assert.True(t, admin.CanControl("h1", "p1"))
}

func TestCommonBaseline(t *testing.T) {
	alice := ACL{}.WithPermission("h1", "", ViewLogs|ViewMonitoring|Restart).WithPermission("h1", "p1", ViewLogs)
	bob := ACL{}.WithPermission("h1", "", ViewLogs|Restart)
	admin := ACL{Admin: true}

	baseline := CommonBaseline([]Target{{HostID: "h1", ProcessIDs: []string{"p2", "p1"}}, {HostID: "h2"}}, alice, bob, admin)
	require.Len(t, baseline, 2)

	assert.Equal(t, ViewLogs|Restart, baseline[0].Mask)
	require.Len(t, baseline[0].Processes, 2)
	assert.Equal(t, "p1", baseline[0].Processes[0].ProcessID)
	assert.Equal(t, ViewLogs, baseline[0].Processes[0].Mask)
	assert.Equal(t, ViewLogs|Restart, baseline[0].Processes[1].Mask)

	assert.Equal(t, None, baseline[1].Mask)
}

func TestParsePermission(t *testing.T) {
	mask, err := ParsePermission("logs", "VIEW_MONITORING", "Restart")
	require.NoError(t, err)
	assert.Equal(t, ViewLogs|ViewMonitoring|Restart, mask)
	assert.Equal(t, []string{"LOGS", "MONITORING", "RESTART"}, mask.Names())
	assert.Equal(t, "NONE", None.String())

	_, err = ParsePermission("reboot")
	assert.True(t, errors.IsValidationError(err))
}
