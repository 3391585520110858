package cli

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// jsonToken matches keys (with their colon), string values, literals and numbers.
var jsonToken = regexp.MustCompile(`("(\\u[a-zA-Z0-9]{4}|\\[^u]|[^\\"])*"(\s*:)?|\b(true|false|null)\b|-?\d+(?:\.\d*)?(?:[eE][+\-]?\d+)?)`)

var literalColors = map[string]string{
	"true":  Yellow,
	"false": Yellow,
	"null":  DimCode,
}

// HighlightJSON colors the tokens of an already encoded JSON document.
func HighlightJSON(doc string) string {
	if !Enabled() {
		return doc
	}
	return jsonToken.ReplaceAllStringFunc(doc, func(tok string) string {
		if key, ok := strings.CutSuffix(tok, ":"); ok {
			return Blue + key + ResetCode + ":"
		}
		if strings.HasPrefix(tok, `"`) {
			return Green + tok + ResetCode
		}
		if color, ok := literalColors[tok]; ok {
			return color + tok + ResetCode
		}
		return Purple + tok + ResetCode
	})
}

// PrettyFormat indents v as JSON and highlights it. Raw JSON passed as a string
// or byte slice is highlighted as is.
func PrettyFormat(v any) string {
	var doc string
	switch t := v.(type) {
	case []byte:
		doc = string(t)
	case string:
		doc = t
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%+v", v)
		}
		doc = string(b)
	}
	return HighlightJSON(doc)
}
