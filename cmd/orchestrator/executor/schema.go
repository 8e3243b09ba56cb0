package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache compiles declared output schemas once per (agent, action).
type schemaCache struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) validate(agent, action string, schema json.RawMessage, output []byte) error {
	sch, err := c.compile(agent, action, schema)
	if err != nil {
		return fmt.Errorf("output schema for %s.%s does not compile: %w", agent, action, err)
	}

	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(output))
	if err != nil {
		return fmt.Errorf("decode output: %w", err)
	}

	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("output violates declared schema: %w", err)
	}
	return nil
}

func (c *schemaCache) compile(agent, action string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := agent + "." + action

	c.mu.RLock()
	sch, ok := c.compiled[key]
	c.mu.RUnlock()
	if ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	url := "agentflow://schemas/" + key + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}

	sch, err = compiler.Compile(url)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.compiled[key] = sch
	c.mu.Unlock()
	return sch, nil
}
