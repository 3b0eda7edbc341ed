// Package streamkey defines the immutable stream identity carried over
// the wire protocol: (forwarder_id, reader_ip). The server maps this
// 1:1 to an opaque stream_id; the Forwarder and Receiver only ever
// speak in terms of the key itself.
package streamkey

import "fmt"

// Key is the wire-level stream identity. It is immutable for the
// lifetime of a reader attached to a forwarder.
type Key struct {
	ForwarderID string `json:"forwarder_id"`
	ReaderIP    string `json:"reader_ip"`
}

// String renders a Key in "forwarder_id@reader_ip" form, used in log
// fields and as a map key where a comparable value is more convenient
// than the struct (Key is already comparable, but the string form
// reads better in structured logs).
func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.ForwarderID, k.ReaderIP)
}

// Empty reports whether k is the zero value.
func (k Key) Empty() bool {
	return k.ForwarderID == "" && k.ReaderIP == ""
}

// Parse is the inverse of String. A string with no "@" parses to a
// Key whose ForwarderID is the whole string and ReaderIP is empty —
// callers that only ever parse strings they formatted themselves
// won't hit this case.
func Parse(s string) Key {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			return Key{ForwarderID: s[:i], ReaderIP: s[i+1:]}
		}
	}
	return Key{ForwarderID: s}
}
