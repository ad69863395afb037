package types

import "log/slog"

// redactedPlaceholder replaces secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string type that prevents accidental logging or
// serialization of sensitive values (API tokens, connection strings). It
// overrides String(), MarshalJSON() and LogValue() to return a redacted
// placeholder. Use Unmask() where the raw value is genuinely needed.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue implements slog.LogValuer so structured log output is redacted
// even when the secret is passed as a raw attribute value.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// Unmask returns the raw plaintext value of the secret. Usage should be
// limited to constructing HTTP auth headers and database connection strings.
func (s SecretString) Unmask() string {
	return string(s)
}
