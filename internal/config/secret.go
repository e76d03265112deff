package config

// redacted replaces secret values in every rendered form. The raw value
// stays reachable through Reveal for request signing.
const redacted = "[REDACTED]"

// Secret holds an API credential. It renders as a fixed placeholder in
// logs, YAML and JSON so a dumped config never leaks keys.
type Secret string

// Reveal returns the raw credential for signing requests.
func (s Secret) Reveal() string { return string(s) }

// IsSet reports whether a value was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"` + redacted + `"`
}

// MarshalYAML redacts the value when config is re-serialized.
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return redacted, nil
}

// MarshalJSON redacts the value in JSON output.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
