package repo

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DecodeFixture reads a YAML fixture. The document is bridged through JSON so
// decimals, condition trees and actions decode with their JSON codecs.
func DecodeFixture(r io.Reader) (Fixture, error) {
	var raw any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if err == io.EOF {
			return Fixture{}, nil
		}
		return Fixture{}, fmt.Errorf("decode fixture yaml: %w", err)
	}
	data, err := json.Marshal(jsonCompatible(raw))
	if err != nil {
		return Fixture{}, fmt.Errorf("bridge fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	return f, nil
}

// LoadMemory builds a Memory repository from a YAML reader.
func LoadMemory(r io.Reader) (*Memory, error) {
	f, err := DecodeFixture(r)
	if err != nil {
		return nil, err
	}
	return NewMemory(f)
}

// LoadMemoryFile builds a Memory repository from a YAML file.
func LoadMemoryFile(path string) (*Memory, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return LoadMemory(file)
}

// jsonCompatible rewrites YAML maps with non-string keys, such as tier
// quantities, into string-keyed maps json can encode.
func jsonCompatible(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = jsonCompatible(child)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[fmt.Sprint(k)] = jsonCompatible(child)
		}
		return out
	case []any:
		for i, child := range t {
			t[i] = jsonCompatible(child)
		}
		return t
	default:
		return v
	}
}
