package rbac

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SettingsVersion is the only custom settings schema currently understood.
const SettingsVersion = 1

// Scalar is a single custom setting value: a string, number or bool.
type Scalar struct {
	kind   scalarKind
	str    string
	num    float64
	truthy bool
}

type scalarKind uint8

const (
	scalarString scalarKind = iota + 1
	scalarNumber
	scalarBool
)

// String builds a string scalar.
func String(v string) Scalar { return Scalar{kind: scalarString, str: v} }

// Number builds a numeric scalar.
func Number(v float64) Scalar { return Scalar{kind: scalarNumber, num: v} }

// Bool builds a boolean scalar.
func Bool(v bool) Scalar { return Scalar{kind: scalarBool, truthy: v} }

// AsString returns the value when the scalar holds a string.
func (s Scalar) AsString() (string, bool) { return s.str, s.kind == scalarString }

// AsNumber returns the value when the scalar holds a number.
func (s Scalar) AsNumber() (float64, bool) { return s.num, s.kind == scalarNumber }

// AsBool returns the value when the scalar holds a bool.
func (s Scalar) AsBool() (bool, bool) { return s.truthy, s.kind == scalarBool }

// MarshalJSON implements json.Marshaler.
func (s Scalar) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case scalarString:
		return json.Marshal(s.str)
	case scalarNumber:
		return json.Marshal(s.num)
	case scalarBool:
		return json.Marshal(s.truthy)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts strings, numbers and booleans only.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Invalid("custom_settings", "empty value")
	}
	switch data[0] {
	case '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = String(v)
	case 't', 'f':
		var v bool
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = Bool(v)
	case '{', '[', 'n':
		return Invalid("custom_settings", "values must be string, number or bool")
	default:
		var v float64
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = Number(v)
	}
	return nil
}

// Settings is the versioned bag of free-form per-override settings.
type Settings struct {
	Version int               `json:"version"`
	Values  map[string]Scalar `json:"values,omitempty"`
}

// NewSettings returns empty settings at the current schema version.
func NewSettings() Settings {
	return Settings{Version: SettingsVersion, Values: map[string]Scalar{}}
}

// Validate checks the schema version and key shape.
func (s Settings) Validate() error {
	if s.Version == 0 && len(s.Values) == 0 {
		return nil
	}
	if s.Version != SettingsVersion {
		return Invalid("custom_settings.version", fmt.Sprintf("unsupported version %d", s.Version))
	}
	for k := range s.Values {
		if k == "" || len(k) > 64 {
			return Invalid("custom_settings.values", fmt.Sprintf("invalid key %q", k))
		}
	}
	return nil
}

// Normalized returns settings with the version filled in.
func (s Settings) Normalized() Settings {
	if s.Version == 0 {
		s.Version = SettingsVersion
	}
	if s.Values == nil {
		s.Values = map[string]Scalar{}
	}
	return s
}

// Clone returns a copy that shares no map with s.
func (s Settings) Clone() Settings {
	out := Settings{Version: s.Version}
	if s.Values != nil {
		out.Values = make(map[string]Scalar, len(s.Values))
		for k, v := range s.Values {
			out.Values[k] = v
		}
	}
	return out
}

// DecodeSettings parses stored JSON, treating empty input as empty settings.
func DecodeSettings(raw []byte) (Settings, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return NewSettings(), nil
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("rbac: decode settings: %w", err)
	}
	s = s.Normalized()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
