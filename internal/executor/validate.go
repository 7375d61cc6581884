package executor

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/loom/internal/signal"
	"github.com/haasonsaas/loom/pkg/models"
)

// schemaCache compiles and memoises parameter schemas. A tool's entry is
// recompiled when its raw schema bytes change, which happens when a server
// re-announces a tool.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*cachedSchema
}

type cachedSchema struct {
	digest [32]byte
	schema *jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*cachedSchema)}
}

// validate checks params against the tool's parameter schema. A missing or
// empty schema accepts anything. Violations wrap InvalidParameters.
func (c *schemaCache) validate(def models.ToolDefinition, params map[string]any) error {
	raw := def.ParameterSchema
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	schema, err := c.compile(def.Name, raw)
	if err != nil {
		return fmt.Errorf("tool %s: compile parameter schema: %w", def.Name, err)
	}

	// jsonschema validates any JSON-shaped value; tool arguments are always
	// an object, possibly empty.
	var doc any = map[string]any{}
	if params != nil {
		doc = normalizeJSON(params)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", signal.ErrInvalidParams, err)
	}
	return nil
}

func (c *schemaCache) compile(name string, raw []byte) (*jsonschema.Schema, error) {
	digest := sha256.Sum256(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.compiled[name]; ok && entry.digest == digest {
		return entry.schema, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	url := fmt.Sprintf("inline://%s/schema.json", name)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	c.compiled[name] = &cachedSchema{digest: digest, schema: schema}
	return schema, nil
}

// normalizeJSON rewrites Go-native values into the shapes the validator
// expects (map[string]any trees with float64 numbers are fine as-is; other
// numeric types are not).
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
