package metadata

import "maps"

// Metadata represents the headers carried alongside a payload, both inbound
// (transport headers) and outbound (dead-letter and outcome events).
type Metadata map[string]string

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Clone returns a shallow copy. The result is never nil.
func (m Metadata) Clone() Metadata {
	return m.grow(0)
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.grow(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a copy with entries merged over the receiver.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.grow(len(entries))
	maps.Copy(cloned, entries)
	return cloned
}

// Get returns the value for key, or "" when absent.
func (m Metadata) Get(key string) string {
	return m[key]
}

func (m Metadata) grow(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	maps.Copy(cloned, m)
	return cloned
}
