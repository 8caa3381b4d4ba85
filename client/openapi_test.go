package client

import (
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONToTypeString(t *testing.T) {
	assert.Equal(t, "int", JSONToTypeString(openapi3.NewIntegerSchema()))
	assert.Equal(t, "float", JSONToTypeString(openapi3.NewFloat64Schema()))
	assert.Equal(t, "bool", JSONToTypeString(openapi3.NewBoolSchema()))
	assert.Equal(t, "str", JSONToTypeString(openapi3.NewStringSchema()))
	assert.Equal(t, "None", JSONToTypeString(&openapi3.Schema{Type: &openapi3.Types{"null"}}))
	assert.Equal(t, "object", JSONToTypeString(openapi3.NewObjectSchema()))
	assert.Equal(t, "Any", JSONToTypeString(nil))
	assert.Equal(t, "Any", JSONToTypeString(&openapi3.Schema{}))
}

func TestJSONToTypeStringArray(t *testing.T) {
	arr := openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())
	assert.Equal(t, "array[str]", JSONToTypeString(arr))
}

func TestJSONToTypeStringAnyOf(t *testing.T) {
	s := &openapi3.Schema{
		AnyOf: openapi3.SchemaRefs{
			openapi3.NewSchemaRef("", openapi3.NewIntegerSchema()),
			openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{"null"}}),
		},
	}
	assert.Equal(t, "(int | None)", JSONToTypeString(s))
}

func TestJSONToTypeStringDefault(t *testing.T) {
	s := openapi3.NewIntegerSchema().WithDefault(256)
	assert.Equal(t, "int (default: 256)", JSONToTypeString(s))
}

func TestJSONToTypeStringPrefixItems(t *testing.T) {
	prefix := []interface{}{
		map[string]interface{}{"type": "integer"},
		map[string]interface{}{"type": "string"},
	}

	fixed := openapi3.NewArraySchema()
	fixed.Extensions = map[string]interface{}{"prefixItems": prefix}
	fixed.MinItems = 2
	fixed.MaxItems = openapi3.Uint64Ptr(2)
	assert.Equal(t, "array[int, str]", JSONToTypeString(fixed))

	open := openapi3.NewArraySchema()
	open.Extensions = map[string]interface{}{"prefixItems": prefix}
	open.MinItems = 2
	assert.Equal(t, "array[int, str, ...] (min=2,max=?)", JSONToTypeString(open))
}

func runDoc(t *testing.T) *openapi3.T {
	t.Helper()

	reqSchema := openapi3.NewObjectSchema().
		WithProperty("inputs", openapi3.NewStringSchema()).
		WithProperty("max_tokens", openapi3.NewIntegerSchema().WithDefault(256))
	reqSchema.Required = []string{"inputs"}
	respSchema := openapi3.NewObjectSchema().
		WithProperty("output", openapi3.NewStringSchema()).
		WithProperty("took_ms", openapi3.NewIntegerSchema())

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info:    &openapi3.Info{Title: "gpt2-main", Version: "0.1.0"},
		Components: &openapi3.Components{
			Schemas: openapi3.Schemas{
				"RunRequest":  openapi3.NewSchemaRef("", reqSchema),
				"RunResponse": openapi3.NewSchemaRef("", respSchema),
			},
		},
		Paths: openapi3.NewPaths(),
	}

	runOp := openapi3.NewOperation()
	runOp.Description = "Generate text from a prompt."
	runOp.RequestBody = &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().WithJSONSchemaRef(
			openapi3.NewSchemaRef("#/components/schemas/RunRequest", nil)),
	}
	runOp.RequestBody.Value.Content.Get("application/json").Example = map[string]interface{}{
		"inputs": "once upon a time",
	}
	resp := openapi3.NewResponse().WithJSONSchemaRef(
		openapi3.NewSchemaRef("#/components/schemas/RunResponse", nil))
	runOp.AddResponse(200, resp)
	runItem := &openapi3.PathItem{}
	runItem.SetOperation("POST", runOp)
	doc.Paths.Set("/run", runItem)

	healthOp := openapi3.NewOperation()
	healthOp.Summary = "Liveness probe"
	healthOp.AddResponse(200, openapi3.NewResponse().WithDescription("ok"))
	healthItem := &openapi3.PathItem{}
	healthItem.SetOperation("GET", healthOp)
	doc.Paths.Set("/healthz", healthItem)

	return doc
}

func TestMethodDocstring(t *testing.T) {
	doc := runDoc(t)

	ds := MethodDocstring(doc, "/run")
	require.NotEmpty(t, ds)
	assert.Contains(t, ds, "Generate text from a prompt.")
	assert.Contains(t, ds, "Automatically inferred parameters from openapi:")
	assert.Contains(t, ds, "Input Schema (*=required):\n  inputs*: str\n  max_tokens: int (default: 256)")
	assert.Contains(t, ds, "Example input:\n  inputs: once upon a time")
	assert.Contains(t, ds, "Output Schema:\n  output: str\n  took_ms: int")
}

func TestMethodDocstringGet(t *testing.T) {
	doc := runDoc(t)

	// Parameters of get methods are not inferred.
	ds := MethodDocstring(doc, "/healthz")
	assert.Equal(t, "Liveness probe", ds)

	assert.Empty(t, MethodDocstring(doc, "/unknown"))
}

func TestPositionalArgumentErrorMessage(t *testing.T) {
	msg := PositionalArgumentErrorMessage(nil, "/run", []interface{}{"hi"})
	assert.Contains(t, msg, "Photon methods do not support positional arguments.")
	assert.Contains(t, msg, "`help(c.run)`")
	assert.NotContains(t, msg, "Did you mean")

	doc := runDoc(t)
	msg = PositionalArgumentErrorMessage(doc, "/run", []interface{}{"hi"})
	assert.Contains(t, msg, "Did you mean the following?\n    run(\n")
	assert.Contains(t, msg, `inputs="hi",`)
	assert.Contains(t, msg, "this is just a guess")

	// Too many positional arguments to guess a mapping.
	msg = PositionalArgumentErrorMessage(doc, "/run", []interface{}{1, 2, 3})
	assert.NotContains(t, msg, "Did you mean")
}
