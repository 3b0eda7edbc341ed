package receiversession

import (
	"hash/fnv"
	"net"

	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

// Port range for the deterministic-hash fallback (spec.md §4.6).
const (
	hashPortMin = 12000
	hashPortMax = 65535
)

// assignPort picks the local TCP port a stream's raw frames are
// rebroadcast on, following spec.md §4.6's three-tier priority:
// explicit operator override, then 10000+last_octet(reader_ip), then a
// deterministic hash of the stream key into [12000, 65535].
func assignPort(key streamkey.Key, override int) int {
	if override > 0 {
		return override
	}
	if octet, ok := lastOctet(key.ReaderIP); ok {
		return 10000 + octet
	}
	return hashPort(key)
}

// lastOctet returns the final byte of an IPv4 address, e.g. 5 for
// "10.0.0.5". Returns ok=false for anything that doesn't parse as
// IPv4 (IPv6 reader IPs fall through to the hash tier).
func lastOctet(ip string) (int, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, false
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, false
	}
	return int(v4[3]), true
}

// hashPort deterministically maps key into [hashPortMin, hashPortMax],
// so the same stream always lands on the same fallback port across
// restarts without any persisted state.
func hashPort(key streamkey.Key) int {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	span := hashPortMax - hashPortMin + 1
	return hashPortMin + int(h.Sum32())%span
}
