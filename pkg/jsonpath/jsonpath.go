// Package jsonpath reads values out of response bodies with gjson paths.
// JSONPath-style expressions ($.users[0].name) are accepted too.
package jsonpath

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Lookup returns the gjson result at path.
func Lookup(body []byte, path string) gjson.Result {
	return gjson.GetBytes(body, convertToGjsonPath(path))
}

// Extract extracts a value from a JSON body as a string.
func Extract(body []byte, path string) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("empty JSON body")
	}
	if path == "" {
		return "", fmt.Errorf("empty path expression")
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("invalid JSON body")
	}

	result := Lookup(body, path)
	if !result.Exists() {
		return "", fmt.Errorf("path not found: %s", path)
	}
	if result.Type == gjson.Null {
		return "null", nil
	}
	return result.String(), nil
}

// convertToGjsonPath converts a JSONPath expression to gjson syntax.
// Plain gjson paths pass through unchanged.
func convertToGjsonPath(path string) string {
	if !strings.HasPrefix(path, "$") {
		return path
	}

	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return "@this"
	}
	path = strings.TrimPrefix(path, ".")

	// $['name'] and $["name"]
	path = strings.NewReplacer("['", ".", "']", "", "[\"", ".", "\"]", "").Replace(path)

	// [n] -> .n
	path = strings.NewReplacer("[", ".", "]", "").Replace(path)
	return strings.TrimPrefix(path, ".")
}
