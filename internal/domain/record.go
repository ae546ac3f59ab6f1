package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Well-known keys of an organisation row.
const (
	KeyOrganisationID   = "organisationId"
	KeyOrganisationName = "orgName"
	KeyOrganisationType = "organisationType"
	KeyStatus           = "status"
	KeyChannel          = "channel"
	KeyExternalID       = "externalId"
	KeyLocationCode     = "locationCode"
	KeyLocationName     = "locationName"
	KeyErrorMessage     = "errorMessage"
)

// Field is one column of a row. A nil Value is a blank cell.
type Field struct {
	Name  string
	Value *string
}

// Record is a normalized row: ordered string fields known from the header,
// plus Extra for anything that is not a plain string (lists, numbers,
// values merged in by handlers).
type Record struct {
	Fields []Field
	Extra  map[string]any
}

func StringPtr(value string) *string {
	return &value
}

// Get returns the value of name and whether it is present and non-null.
func (r *Record) Get(name string) (string, bool) {
	for _, field := range r.Fields {
		if field.Name == name {
			if field.Value == nil {
				return "", false
			}
			return *field.Value, true
		}
	}
	if value, ok := r.Extra[name]; ok {
		if s, ok := value.(string); ok {
			return s, true
		}
	}
	return "", false
}

// Set stores a string field, keeping the original column position when the
// field already exists.
func (r *Record) Set(name string, value *string) {
	delete(r.Extra, name)
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: value})
}

// SetExtra stores a non-string value under name, replacing any field.
func (r *Record) SetExtra(name string, value any) {
	r.removeField(name)
	if r.Extra == nil {
		r.Extra = make(map[string]any)
	}
	r.Extra[name] = value
}

func (r *Record) Delete(name string) {
	r.removeField(name)
	delete(r.Extra, name)
}

func (r *Record) removeField(name string) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields = append(r.Fields[:i], r.Fields[i+1:]...)
			return
		}
	}
}

func (r Record) Clone() Record {
	clone := Record{Fields: make([]Field, 0, len(r.Fields))}
	for _, field := range r.Fields {
		copied := Field{Name: field.Name}
		if field.Value != nil {
			copied.Value = StringPtr(*field.Value)
		}
		clone.Fields = append(clone.Fields, copied)
	}
	if len(r.Extra) > 0 {
		clone.Extra = make(map[string]any, len(r.Extra))
		for key, value := range r.Extra {
			clone.Extra[key] = value
		}
	}
	return clone
}

// MarshalJSON writes fields in column order followed by extras sorted by key.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	writeEntry := func(key string, value any) error {
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return err
		}
		encodedValue, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(encodedKey)
		buf.WriteByte(':')
		buf.Write(encodedValue)
		return nil
	}

	for _, field := range r.Fields {
		if err := writeEntry(field.Name, field.Value); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(r.Extra))
	for key := range r.Extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := writeEntry(key, r.Extra[key]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps key order for string and null values; every other
// JSON value lands in Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	token, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return errors.New("decode record: expected JSON object")
	}

	r.Fields = nil
	r.Extra = nil
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("decode record key: %w", err)
		}
		key, _ := keyToken.(string)

		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			return fmt.Errorf("decode record value %s: %w", key, err)
		}
		raw = bytes.TrimSpace(raw)

		switch {
		case bytes.Equal(raw, []byte("null")):
			r.Fields = append(r.Fields, Field{Name: key})
		case len(raw) > 0 && raw[0] == '"':
			var value string
			if err := json.Unmarshal(raw, &value); err != nil {
				return fmt.Errorf("decode record value %s: %w", key, err)
			}
			r.Fields = append(r.Fields, Field{Name: key, Value: &value})
		default:
			var value any
			if err := json.Unmarshal(raw, &value); err != nil {
				return fmt.Errorf("decode record value %s: %w", key, err)
			}
			if r.Extra == nil {
				r.Extra = make(map[string]any)
			}
			r.Extra[key] = value
		}
	}
	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
