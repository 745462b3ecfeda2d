// Package radio holds the small identifier types shared by every subsystem
// that talks about a physical wireless radio: the slot scheduler, the scan
// orchestrator, the RF state store, and the ignition engine.
package radio

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Mac is a 48-bit radio identifier.
type Mac [6]byte

// ParseMac parses the conventional "aa:bb:cc:dd:ee:ff" textual form.
func ParseMac(s string) (Mac, error) {
	var m Mac
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return m, fmt.Errorf("radio: invalid mac %q: want 6 colon-separated octets", s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return m, fmt.Errorf("radio: invalid mac %q: bad octet %q", s, p)
		}
		m[i] = b[0]
	}
	return m, nil
}

// MustParseMac panics on a malformed MAC; it exists for use in tests and
// static tables, never on data received over the wire.
func MustParseMac(s string) Mac {
	m, err := ParseMac(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Mac) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// MarshalText implements encoding.TextMarshaler, so a Mac can be used
// directly as a JSON object key or value (RF state snapshots and CBF
// configs are exchanged as JSON over the broker).
func (m Mac) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mac) UnmarshalText(text []byte) error {
	parsed, err := ParseMac(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// IsZero reports whether m is the all-zero MAC, used as an "absent" sentinel
// in several optional-MAC fields across the data model.
func (m Mac) IsZero() bool {
	return m == Mac{}
}
