package badgerstore

import (
	"fmt"
	"time"
)

// Key layout:
//
//	host/<id>                          -> Host
//	hostuuid/<uuid>                    -> host id
//	proc/<hostID>/<id>                 -> ManagedProcess
//	procid/<id>                        -> host id
//	procidx/<hostID>/<pmID>            -> process id
//	stat/p/<processID>/<ts>/<sampleID> -> StatSample
//	stat/h/<hostID>/<ts>/<sampleID>    -> StatSample
//	setting                            -> Setting
//	user/<id>                          -> User
const (
	prefixHost      = "host/"
	prefixHostUUID  = "hostuuid/"
	prefixProcess   = "proc/"
	prefixProcessID = "procid/"
	prefixProcIndex = "procidx/"
	prefixStatProc  = "stat/p/"
	prefixStatHost  = "stat/h/"
	prefixUser      = "user/"
	keySetting      = "setting"
)

func hostKey(id string) []byte       { return []byte(prefixHost + id) }
func hostUUIDKey(uuid string) []byte { return []byte(prefixHostUUID + uuid) }
func processIDKey(id string) []byte  { return []byte(prefixProcessID + id) }
func userKey(id string) []byte       { return []byte(prefixUser + id) }

func processKey(hostID, id string) []byte {
	return []byte(prefixProcess + hostID + "/" + id)
}

func processPrefix(hostID string) []byte {
	if hostID == "" {
		return []byte(prefixProcess)
	}
	return []byte(prefixProcess + hostID + "/")
}

func processIndexKey(hostID string, pmID int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", prefixProcIndex, hostID, pmID))
}

func sampleKey(prefix, scopeID string, ts time.Time, sampleID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", prefix, scopeID, ts.UnixNano(), sampleID))
}

func sampleScopePrefix(prefix, scopeID string) []byte {
	return []byte(prefix + scopeID + "/")
}

