package domain

import "fmt"

// Protocol selects the external lending protocol servicing a vault.
// The numeric value is the on-account enum tag.
type Protocol uint8

const (
	ProtocolKamino Protocol = 0
)

var protocolNames = map[Protocol]string{
	ProtocolKamino: "KAMINO",
}

// String returns the protocol name.
func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PROTOCOL(%d)", uint8(p))
}

// IsValid checks if the protocol tag is known.
func (p Protocol) IsValid() bool {
	_, ok := protocolNames[p]
	return ok
}

// ParseProtocol resolves a protocol by name.
func ParseProtocol(s string) (Protocol, error) {
	for p, name := range protocolNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Protocol) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("unknown protocol tag %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Interval is the stored rebalancing cadence of a vault.
// It is a policy tag only; nothing in this module acts on it.
type Interval uint8

const (
	IntervalDaily   Interval = 0
	IntervalWeekly  Interval = 1
	IntervalMonthly Interval = 2
	IntervalYearly  Interval = 3
)

var intervalNames = map[Interval]string{
	IntervalDaily:   "DAILY",
	IntervalWeekly:  "WEEKLY",
	IntervalMonthly: "MONTHLY",
	IntervalYearly:  "YEARLY",
}

// String returns the interval name.
func (i Interval) String() string {
	if name, ok := intervalNames[i]; ok {
		return name
	}
	return fmt.Sprintf("INTERVAL(%d)", uint8(i))
}

// IsValid checks if the interval tag is known.
func (i Interval) IsValid() bool {
	_, ok := intervalNames[i]
	return ok
}

// ParseInterval resolves an interval by name.
func ParseInterval(s string) (Interval, error) {
	for i, name := range intervalNames {
		if name == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown interval %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (i Interval) MarshalText() ([]byte, error) {
	if !i.IsValid() {
		return nil, fmt.Errorf("unknown interval tag %d", uint8(i))
	}
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Interval) UnmarshalText(text []byte) error {
	parsed, err := ParseInterval(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
