package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// JSONToTypeString renders a JSON schema as a short human readable type
// string, e.g. "array[str]" or "(int | None) (default: 5)".
func JSONToTypeString(schema *openapi3.Schema) string {
	if schema == nil {
		return "Any"
	}
	var typestr string
	switch {
	case schema.Type != nil && len(*schema.Type) > 0:
		base := (*schema.Type)[0]
		if schema.Items != nil && schema.Items.Value != nil {
			typestr = fmt.Sprintf("%s[%s]", base, JSONToTypeString(schema.Items.Value))
		} else if prefix := prefixItems(schema); prefix != nil {
			typestr = prefixItemsTypeString(base, schema, prefix)
		} else {
			typestr = scalarTypeString(base)
		}
	case len(schema.AnyOf) > 0:
		parts := make([]string, 0, len(schema.AnyOf))
		for _, ref := range schema.AnyOf {
			parts = append(parts, JSONToTypeString(ref.Value))
		}
		typestr = "(" + strings.Join(parts, " | ") + ")"
	default:
		typestr = "Any"
	}
	if schema.Default != nil {
		typestr += fmt.Sprintf(" (default: %v)", schema.Default)
	}
	return typestr
}

func scalarTypeString(jsonType string) string {
	switch jsonType {
	case "integer":
		return "int"
	case "number":
		return "float"
	case "boolean":
		return "bool"
	case "string":
		return "str"
	case "null":
		return "None"
	}
	return jsonType
}

// prefixItems extracts the OpenAPI 3.1 prefixItems extension, which
// kin-openapi does not model natively.
func prefixItems(schema *openapi3.Schema) []*openapi3.Schema {
	raw, ok := schema.Extensions["prefixItems"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var items []*openapi3.Schema
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	return items
}

func prefixItemsTypeString(base string, schema *openapi3.Schema, prefix []*openapi3.Schema) string {
	parts := make([]string, 0, len(prefix))
	for _, item := range prefix {
		parts = append(parts, JSONToTypeString(item))
	}
	minStr := "?"
	if schema.MinItems > 0 {
		minStr = fmt.Sprintf("%d", schema.MinItems)
	}
	maxStr := "?"
	if schema.MaxItems != nil {
		maxStr = fmt.Sprintf("%d", *schema.MaxItems)
	}
	if minStr == maxStr && minStr != "?" {
		return fmt.Sprintf("%s[%s]", base, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s[%s, ...] (min=%s,max=%s)", base, strings.Join(parts, ", "), minStr, maxStr)
}

// apiInfo looks up the operation for a path, preferring POST over GET.
func apiInfo(doc *openapi3.T, pathName string) (*openapi3.Operation, bool) {
	if doc == nil || doc.Paths == nil {
		return nil, false
	}
	item := doc.Paths.Find(pathName)
	if item == nil {
		return nil, false
	}
	if item.Post != nil {
		return item.Post, true
	}
	return item.Get, false
}

// postInputSchema resolves the request body schema reference of an operation.
func postInputSchema(doc *openapi3.T, op *openapi3.Operation) *openapi3.Schema {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	media := op.RequestBody.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil {
		return nil
	}
	return resolveSchemaRef(doc, media.Schema)
}

func resolveSchemaRef(doc *openapi3.T, ref *openapi3.SchemaRef) *openapi3.Schema {
	if ref.Ref == "" {
		return ref.Value
	}
	parts := strings.Split(ref.Ref, "/")
	name := parts[len(parts)-1]
	if doc.Components == nil {
		return nil
	}
	resolved, ok := doc.Components.Schemas[name]
	if !ok {
		return nil
	}
	return resolved.Value
}

func sortedPropertyNames(schema *openapi3.Schema) []string {
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isRequired(schema *openapi3.Schema, name string) bool {
	for _, r := range schema.Required {
		if r == name {
			return true
		}
	}
	return false
}

// MethodDocstring assembles a help string for a photon method from its
// openapi document: the description (or summary), the input schema with
// required fields first, an example input if present, and the output schema.
func MethodDocstring(doc *openapi3.T, pathName string) string {
	op, isPost := apiInfo(doc, pathName)
	if op == nil {
		return ""
	}

	docstring := op.Description
	if docstring == "" {
		docstring = op.Summary
	}
	if !isPost {
		return docstring
	}

	docstring += "\n\nAutomatically inferred parameters from openapi:"

	if schema := postInputSchema(doc, op); schema != nil {
		names := sortedPropertyNames(schema)
		if len(names) == 0 {
			docstring += "\n\nInput Schema: None"
		} else if len(schema.Required) > 0 {
			// Required fields come first.
			sort.SliceStable(names, func(i, j int) bool {
				return isRequired(schema, names[i]) && !isRequired(schema, names[j])
			})
			lines := make([]string, 0, len(names))
			for _, name := range names {
				marker := ""
				if isRequired(schema, name) {
					marker = "*"
				}
				lines = append(lines, fmt.Sprintf("%s%s: %s", name, marker, JSONToTypeString(schema.Properties[name].Value)))
			}
			docstring += "\n\nInput Schema (*=required):\n  " + strings.Join(lines, "\n  ")
		} else {
			lines := make([]string, 0, len(names))
			for _, name := range names {
				lines = append(lines, fmt.Sprintf("%s: %s", name, JSONToTypeString(schema.Properties[name].Value)))
			}
			docstring += "\n\nSchema:\n  " + strings.Join(lines, "\n  ")
		}
	}

	if example := requestExample(op); example != nil {
		keys := make([]string, 0, len(example))
		for k := range example {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s: %v", k, example[k]))
		}
		docstring += "\n\nExample input:\n  " + strings.Join(lines, "\n  ") + "\n"
	}

	if schema := responseSchema(doc, op); schema != nil {
		lines := make([]string, 0, len(schema.Properties))
		for _, name := range sortedPropertyNames(schema) {
			lines = append(lines, fmt.Sprintf("%s: %s", name, JSONToTypeString(schema.Properties[name].Value)))
		}
		docstring += "\n\nOutput Schema:\n  " + strings.Join(lines, "\n  ")
	}

	return docstring
}

func requestExample(op *openapi3.Operation) map[string]interface{} {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	media := op.RequestBody.Value.Content.Get("application/json")
	if media == nil {
		return nil
	}
	example, ok := media.Example.(map[string]interface{})
	if !ok {
		return nil
	}
	return example
}

func responseSchema(doc *openapi3.T, op *openapi3.Operation) *openapi3.Schema {
	if op.Responses == nil {
		return nil
	}
	resp := op.Responses.Value("200")
	if resp == nil || resp.Value == nil {
		return nil
	}
	media := resp.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil {
		return nil
	}
	return resolveSchemaRef(doc, media.Schema)
}

// PositionalArgumentErrorMessage explains that photon methods take keyword
// arguments only, with a best effort guess at the intended call when the
// schema allows one.
func PositionalArgumentErrorMessage(doc *openapi3.T, pathName string, args []interface{}) string {
	method := strings.TrimPrefix(pathName, "/")
	msg := fmt.Sprintf(
		"Photon methods do not support positional arguments. If your client is named"+
			" `c`, Use `help(c.%s)` to see the function signature.", method)

	op, isPost := apiInfo(doc, pathName)
	if op == nil || !isPost {
		return msg
	}
	schema := postInputSchema(doc, op)
	if schema == nil || len(args) > len(schema.Properties) {
		return msg
	}

	names := sortedPropertyNames(schema)
	var b strings.Builder
	fmt.Fprintf(&b, "\n\nIt seems that you have passed in positional arguments for"+
		" the path `%s`:\n    %v\nDid you mean the following?\n    %s(\n", pathName, args, method)
	for i := range args {
		fmt.Fprintf(&b, "        %s=%#v,\n", names[i], args[i])
	}
	b.WriteString("    )\n")
	b.WriteString("(while we try to be helpful, this is just a guess, and may not be correct)")
	return msg + b.String()
}
