package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ParameterMap is the JSONB column type for climate parameter values.
type ParameterMap map[string]float64

// SignalMap is the JSONB column type for anomaly signal contributions,
// threshold maps and weight maps.
type SignalMap map[string]float64

// DetailMap is the JSONB column type for audit event details.
type DetailMap map[string]any

// Compile-time interface assertions. Scan is on pointer receivers; Value is
// on value receivers.
var (
	_ sql.Scanner   = (*ParameterMap)(nil)
	_ driver.Valuer = ParameterMap(nil)
	_ sql.Scanner   = (*SignalMap)(nil)
	_ driver.Valuer = SignalMap(nil)
	_ sql.Scanner   = (*DetailMap)(nil)
	_ driver.Valuer = DetailMap(nil)
)

// scanJSONB scans a JSONB database value into a Go pointer, handling nil,
// []byte and string representations.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// valueJSONB converts a Go value to a JSONB-compatible driver.Value.
func valueJSONB(v any) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner.
func (m *ParameterMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements driver.Valuer.
func (m ParameterMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return valueJSONB(m)
}

// Scan implements sql.Scanner.
func (m *SignalMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements driver.Valuer.
func (m SignalMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return valueJSONB(m)
}

// Scan implements sql.Scanner.
func (m *DetailMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements driver.Valuer.
func (m DetailMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return valueJSONB(m)
}
