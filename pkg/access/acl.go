package access

import "sort"

// ProcessOverride replaces the host default mask for one process
type ProcessOverride struct {
	ProcessID string     `json:"process" cbor:"process"`
	Mask      Permission `json:"perms" cbor:"perms"`
}

// HostEntry is the host-scoped part of an ACL
type HostEntry struct {
	HostID    string            `json:"server" cbor:"server"`
	Mask      Permission        `json:"perms" cbor:"perms"`
	Processes []ProcessOverride `json:"processes,omitempty" cbor:"processes,omitempty"`
}

// ACL is a user's access control list
type ACL struct {
	Owner bool        `json:"owner" cbor:"owner"`
	Admin bool        `json:"admin" cbor:"admin"`
	Hosts []HostEntry `json:"servers,omitempty" cbor:"servers,omitempty"`
}

// IsPrivileged reports the global admin/owner bypass
func (a ACL) IsPrivileged() bool {
	return a.Owner || a.Admin
}

// Resolve computes the effective mask of acl on (hostID, processID).
// An empty processID resolves the host default.
func Resolve(acl ACL, hostID, processID string) Permission {
	if acl.IsPrivileged() {
		return All
	}

	host, ok := acl.host(hostID)
	if !ok {
		return None
	}

	if processID != "" {
		for _, o := range host.Processes {
			if o.ProcessID == processID {
				return o.Mask
			}
		}
	}

	return host.Mask
}

func (a ACL) host(hostID string) (HostEntry, bool) {
	for _, h := range a.Hosts {
		if h.HostID == hostID {
			return h, true
		}
	}
	return HostEntry{}, false
}

// WithPermission returns a copy of the ACL with the mask assigned.
// With an empty processID the host default is set and every existing
// process override on that host is reset to the same mask.
func (a ACL) WithPermission(hostID, processID string, mask Permission) ACL {
	out := a.clone()

	idx := -1
	for i := range out.Hosts {
		if out.Hosts[i].HostID == hostID {
			idx = i
			break
		}
	}
	if idx < 0 {
		out.Hosts = append(out.Hosts, HostEntry{HostID: hostID})
		idx = len(out.Hosts) - 1
	}
	host := &out.Hosts[idx]

	if processID == "" {
		host.Mask = mask
		for i := range host.Processes {
			host.Processes[i].Mask = mask
		}
		return out
	}

	for i := range host.Processes {
		if host.Processes[i].ProcessID == processID {
			host.Processes[i].Mask = mask
			return out
		}
	}
	host.Processes = append(host.Processes, ProcessOverride{ProcessID: processID, Mask: mask})
	return out
}

// WithoutOverride returns a copy of the ACL where processID falls back to the host default
func (a ACL) WithoutOverride(hostID, processID string) ACL {
	out := a.clone()
	for i := range out.Hosts {
		if out.Hosts[i].HostID != hostID {
			continue
		}
		kept := out.Hosts[i].Processes[:0]
		for _, o := range out.Hosts[i].Processes {
			if o.ProcessID != processID {
				kept = append(kept, o)
			}
		}
		out.Hosts[i].Processes = kept
	}
	return out
}

func (a ACL) clone() ACL {
	out := ACL{Owner: a.Owner, Admin: a.Admin}
	if a.Hosts == nil {
		return out
	}
	out.Hosts = make([]HostEntry, len(a.Hosts))
	for i, h := range a.Hosts {
		out.Hosts[i] = HostEntry{HostID: h.HostID, Mask: h.Mask}
		if h.Processes != nil {
			out.Hosts[i].Processes = append([]ProcessOverride(nil), h.Processes...)
		}
	}
	return out
}

// Target names a host and the processes on it for baseline computation
type Target struct {
	HostID     string
	ProcessIDs []string
}

// CommonBaseline returns, per target host and process, the intersection of
// the effective masks of all given ACLs. It is the editable starting point
// when permissions are bulk assigned to several users at once.
func CommonBaseline(targets []Target, acls ...ACL) []HostEntry {
	out := make([]HostEntry, 0, len(targets))
	for _, t := range targets {
		hostMasks := make([]Permission, 0, len(acls))
		for _, acl := range acls {
			hostMasks = append(hostMasks, Resolve(acl, t.HostID, ""))
		}
		entry := HostEntry{HostID: t.HostID, Mask: Common(hostMasks...)}

		processIDs := append([]string(nil), t.ProcessIDs...)
		sort.Strings(processIDs)
		for _, pid := range processIDs {
			masks := make([]Permission, 0, len(acls))
			for _, acl := range acls {
				masks = append(masks, Resolve(acl, t.HostID, pid))
			}
			entry.Processes = append(entry.Processes, ProcessOverride{ProcessID: pid, Mask: Common(masks...)})
		}
		out = append(out, entry)
	}
	return out
}
