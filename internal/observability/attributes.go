// Package observability provides metrics and attribute helpers.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrFunction = "function"
	attrOutcome  = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func functionAttr(function string) attribute.KeyValue {
	return attribute.String(attrFunction, function)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// normalizePath replaces dynamic path segments with placeholders so metric
// cardinality stays bounded.
// /api/conversations/01J.../messages -> /api/conversations/{id}/messages
func normalizePath(path string) string {
	const prefix = "/api/conversations/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := path[len(prefix):]
	if rest == "" {
		return path
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return prefix + "{id}" + rest[idx:]
	}
	return prefix + "{id}"
}
