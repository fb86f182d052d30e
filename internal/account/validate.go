package account

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validator checks values against JSON schemas, caching compiled schemas
// by their raw bytes. A schema that fails to compile is cached as nil and
// never rejects anything.
type validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func newValidator() *validator {
	return &validator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate returns nil when value satisfies schemaDoc or the schema is
// empty or unusable.
func (v *validator) Validate(schemaDoc json.RawMessage, value any) error {
	if len(schemaDoc) == 0 || string(schemaDoc) == "{}" || string(schemaDoc) == "null" {
		return nil
	}
	compiled := v.compile(schemaDoc)
	if compiled == nil {
		return nil
	}
	// Round-trip through JSON so numbers have the representation the
	// validator expects.
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return compiled.Validate(inst)
}

func (v *validator) compile(schemaDoc json.RawMessage) *jsonschema.Schema {
	key := string(schemaDoc)

	v.mu.RLock()
	s, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return s
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDoc))
	if err == nil {
		c := jsonschema.NewCompiler()
		if err = c.AddResource("argument.json", doc); err == nil {
			s, err = c.Compile("argument.json")
		}
	}
	if err != nil {
		s = nil
	}
	v.cache[key] = s
	return s
}
