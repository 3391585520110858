// Package repair coerces near-valid model output into structured JSON values.
package repair

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Strategy names, in the order they are tried.
const (
	StrategyDirect        = "direct"
	StrategyStripFences   = "strip_fences"
	StrategyQuoteValues   = "quote_values"
	StrategyExtractArray  = "extract_array"
	StrategyExtractObject = "extract_object"
	StrategyEmpty         = "empty"
)

const prefixLimit = 200

var ErrUnparsableOutput = errors.New("unparsable model output")

// UnparsableOutputError is returned once every strategy has failed.
type UnparsableOutputError struct {
	Prefix   string
	Attempts []Attempt
}

func (e *UnparsableOutputError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %q", ErrUnparsableOutput, len(e.Attempts), e.Prefix)
}

func (e *UnparsableOutputError) Unwrap() error {
	return ErrUnparsableOutput
}

// Attempt records one strategy and the text variant it produced.
type Attempt struct {
	Strategy string
	Text     string
	Err      error
}

// Outcome is a successful repair.
type Outcome struct {
	Value    any
	Text     string
	Strategy string
	Attempts []Attempt
}

var fenceRe = regexp.MustCompile("```[A-Za-z0-9_-]*")

// trackedKeys are the fields models most often emit without quotes.
var trackedKeys = []string{
	"title", "summary", "description", "name", "role", "content",
	"relationship", "relationships", "relation", "personality", "background",
	"appearance", "motivation", "goal", "goals", "traits", "setting", "location",
	"event", "conflict", "theme", "type", "note", "notes", "issue", "suggestion",
	"original", "corrected", "reason", "chapter", "premise", "genre", "tone",
	"arc", "hook", "outcome",
}

var keyRe = regexp.MustCompile(`"(` + strings.Join(trackedKeys, "|") + `)"\s*:\s*`)

// Repair returns the structured value contained in raw.
func Repair(raw string) (any, error) {
	out, err := Run(raw)
	if err != nil {
		return nil, err
	}
	return out.Value, nil
}

// Unmarshal repairs raw and decodes the result into v.
func Unmarshal(raw string, v any) error {
	out, err := Run(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(out.Text), v)
}

// Run tries each strategy in order and reports which one succeeded. Empty input,
// including input that is only code fences, yields an empty array.
func Run(raw string) (*Outcome, error) {
	var attempts []Attempt
	try := func(strategy, text string) *Outcome {
		v, err := parse(text)
		attempts = append(attempts, Attempt{Strategy: strategy, Text: text, Err: err})
		if err != nil {
			return nil
		}
		return &Outcome{Value: v, Text: text, Strategy: strategy, Attempts: attempts}
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return empty(), nil
	}
	if out := try(StrategyDirect, trimmed); out != nil {
		return out, nil
	}

	stripped := StripFences(trimmed)
	if stripped == "" {
		return empty(), nil
	}
	if out := try(StrategyStripFences, stripped); out != nil {
		return out, nil
	}

	if out := try(StrategyQuoteValues, QuoteValues(stripped)); out != nil {
		return out, nil
	}

	for _, sp := range spans(stripped) {
		sub, ok := outermost(stripped, sp.open, sp.close)
		if !ok {
			continue
		}
		if out := try(sp.strategy, sub); out != nil {
			return out, nil
		}
		if out := try(sp.strategy, QuoteValues(sub)); out != nil {
			return out, nil
		}
	}

	return nil, &UnparsableOutputError{Prefix: prefix(raw), Attempts: attempts}
}

func empty() *Outcome {
	return &Outcome{Value: []any{}, Text: "[]", Strategy: StrategyEmpty}
}

func parse(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// StripFences removes markdown code-fence markers and trims the result.
func StripFences(s string) string {
	return strings.TrimSpace(fenceRe.ReplaceAllString(s, ""))
}

// QuoteValues wraps bare values of tracked keys in quotes. A value is bare when it
// does not start an object, array or string and is not a JSON literal; it ends at
// the next comma, closing bracket or newline.
func QuoteValues(s string) string {
	matches := keyRe.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s) + 16)
	cursor := 0
	for _, m := range matches {
		if m[0] < cursor {
			continue
		}
		valueStart := m[1]
		sb.WriteString(s[cursor:valueStart])
		cursor = valueStart

		if valueStart >= len(s) || strings.IndexByte(`{["`, s[valueStart]) >= 0 {
			continue
		}

		valueEnd := valueStart + strings.IndexAny(s[valueStart:], ",}]\n")
		if valueEnd < valueStart {
			valueEnd = len(s)
		}
		value := strings.TrimRightFunc(s[valueStart:valueEnd], isSpace)
		if value == "" || json.Valid([]byte(value)) {
			continue
		}

		sb.WriteString(quote(value))
		cursor = valueStart + len(value)
	}
	sb.WriteString(s[cursor:])
	return sb.String()
}

type span struct {
	strategy    string
	open, close byte
}

var (
	arraySpan  = span{StrategyExtractArray, '[', ']'}
	objectSpan = span{StrategyExtractObject, '{', '}'}
)

// spans orders the extraction strategies. Both are always tried; the object
// span goes first when a brace opens before the first bracket, so an object
// wrapping an array is kept whole.
func spans(s string) []span {
	obj, arr := strings.IndexByte(s, '{'), strings.IndexByte(s, '[')
	if obj >= 0 && (arr < 0 || obj < arr) {
		return []span{objectSpan, arraySpan}
	}
	return []span{arraySpan, objectSpan}
}

// outermost returns the span from the first open to the last close byte.
func outermost(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func quote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return `""`
	}
	return strings.TrimRight(buf.String(), "\n")
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r'
}

func prefix(s string) string {
	if utf8.RuneCountInString(s) <= prefixLimit {
		return s
	}
	n := 0
	for i := range s {
		if n == prefixLimit {
			return s[:i]
		}
		n++
	}
	return s
}
