package elicitation

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateResponseData checks accepted response data against the request
// schema. A compilable JSON Schema gets full draft validation; otherwise the
// check degrades to required-field presence so a malformed schema never turns
// into an open gate for missing fields.
func validateResponseData(schema, data map[string]interface{}) error {
	if len(schema) == 0 {
		return nil
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	compiled, err := compileSchema(schema)
	if err == nil {
		if err := compiled.Validate(normalizeJSON(data)); err != nil {
			return newError(KindSchemaViolation, "medium", "response data rejected by schema: %v", err)
		}
		return nil
	}
	return requiredFieldsPresent(schema, data)
}

func compileSchema(schema map[string]interface{}) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalizeJSON(schema)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func requiredFieldsPresent(schema, data map[string]interface{}) error {
	required, _ := schema["required"].([]interface{})
	for _, f := range required {
		name, ok := f.(string)
		if !ok {
			continue
		}
		if _, present := data[name]; !present {
			return newError(KindSchemaViolation, "medium", "missing required field %q", name)
		}
	}
	return nil
}

// normalizeJSON rewrites msgpack-decoded values into the shapes the schema
// validator expects (map[string]interface{} keys, float64 numbers).
func normalizeJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeJSON(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeJSON(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
