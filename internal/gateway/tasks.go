package gateway

import (
	"sort"

	"github.com/nulzo/novel-gateway/internal/llm"
)

// TaskKind names a logical generation task.
type TaskKind string

const (
	TaskPremise        TaskKind = "premise"
	TaskOutline        TaskKind = "outline"
	TaskCharacters     TaskKind = "characters"
	TaskChapter        TaskKind = "chapter"
	TaskChapterSummary TaskKind = "chapter_summary"
	TaskConsistency    TaskKind = "consistency"
	TaskGrammar        TaskKind = "grammar"
	TaskFreeform       TaskKind = "freeform"
)

type Mode string

const (
	ModeOneShot Mode = "one_shot"
	ModeStream  Mode = "stream"
)

// Shape is the form of the value a task produces.
type Shape string

const (
	ShapeText   Shape = "text"
	ShapeArray  Shape = "array"
	ShapeObject Shape = "object"
)

// TaskSpec describes how a task kind is dispatched by default.
type TaskSpec struct {
	Kind        TaskKind    `json:"kind"`
	Mode        Mode        `json:"mode"`
	Shape       Shape       `json:"shape"`
	Schema      *llm.Schema `json:"schema,omitempty"`
	Temperature float64     `json:"temperature"`
	MaxTokens   int         `json:"max_tokens"`
}

func str(desc string) *llm.Schema {
	return &llm.Schema{Type: llm.TypeString, Description: desc}
}

func integer(desc string) *llm.Schema {
	return &llm.Schema{Type: llm.TypeInteger, Description: desc}
}

var outlineSchema = &llm.Schema{
	Type:     llm.TypeObject,
	Required: []string{"title", "chapters"},
	Properties: map[string]*llm.Schema{
		"title":   str("Working title of the novel"),
		"premise": str("One paragraph premise"),
		"chapters": {
			Type: llm.TypeArray,
			Items: &llm.Schema{
				Type:     llm.TypeObject,
				Required: []string{"chapter", "title", "summary"},
				Properties: map[string]*llm.Schema{
					"chapter": integer("1-based chapter number"),
					"title":   str("Chapter title"),
					"summary": str("What happens in the chapter"),
				},
			},
		},
	},
}

var charactersSchema = &llm.Schema{
	Type: llm.TypeArray,
	Items: &llm.Schema{
		Type:     llm.TypeObject,
		Required: []string{"name", "role", "description"},
		Properties: map[string]*llm.Schema{
			"name":        str("Full name"),
			"role":        str("Narrative role such as protagonist or antagonist"),
			"description": str("Physical and social description"),
			"personality": str("Dominant traits"),
			"background":  str("History before the story begins"),
			"motivation":  str("What the character wants"),
			"relationships": {
				Type: llm.TypeArray,
				Items: &llm.Schema{
					Type:     llm.TypeObject,
					Required: []string{"name", "relation"},
					Properties: map[string]*llm.Schema{
						"name":     str("Other character"),
						"relation": str("How they are connected"),
					},
				},
			},
		},
	},
}

var consistencySchema = &llm.Schema{
	Type: llm.TypeArray,
	Items: &llm.Schema{
		Type:     llm.TypeObject,
		Required: []string{"type", "issue"},
		Properties: map[string]*llm.Schema{
			"type":       {Type: llm.TypeString, Enum: []string{"character", "timeline", "setting", "plot", "other"}},
			"chapter":    integer("Chapter where the issue appears"),
			"issue":      str("What is inconsistent"),
			"suggestion": str("How to resolve it"),
		},
	},
}

var grammarSchema = &llm.Schema{
	Type: llm.TypeArray,
	Items: &llm.Schema{
		Type:     llm.TypeObject,
		Required: []string{"original", "corrected"},
		Properties: map[string]*llm.Schema{
			"original":  str("Text as written"),
			"corrected": str("Corrected text"),
			"reason":    str("Short explanation"),
		},
	},
}

var catalog = map[TaskKind]TaskSpec{
	TaskPremise:        {Mode: ModeOneShot, Shape: ShapeText, Temperature: 0.9, MaxTokens: 1024},
	TaskOutline:        {Mode: ModeOneShot, Shape: ShapeObject, Schema: outlineSchema, Temperature: 0.7, MaxTokens: 4096},
	TaskCharacters:     {Mode: ModeOneShot, Shape: ShapeArray, Schema: charactersSchema, Temperature: 0.7, MaxTokens: 4096},
	TaskChapter:        {Mode: ModeStream, Shape: ShapeText, Temperature: 0.8, MaxTokens: 8192},
	TaskChapterSummary: {Mode: ModeOneShot, Shape: ShapeText, Temperature: 0.3, MaxTokens: 1024},
	TaskConsistency:    {Mode: ModeOneShot, Shape: ShapeArray, Schema: consistencySchema, Temperature: 0.2, MaxTokens: 4096},
	TaskGrammar:        {Mode: ModeOneShot, Shape: ShapeArray, Schema: grammarSchema, Temperature: 0.1, MaxTokens: 4096},
	TaskFreeform:       {Mode: ModeOneShot, Shape: ShapeText, Temperature: 0.7, MaxTokens: 2048},
}

// Lookup returns the default dispatch for kind.
func Lookup(kind TaskKind) (TaskSpec, bool) {
	spec, ok := catalog[kind]
	spec.Kind = kind
	return spec, ok
}

// Catalog lists every task kind in stable order.
func Catalog() []TaskSpec {
	specs := make([]TaskSpec, 0, len(catalog))
	for kind := range catalog {
		spec, _ := Lookup(kind)
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Kind < specs[j].Kind })
	return specs
}

// Task is one logical request from a caller.
type Task struct {
	Kind              TaskKind
	Prompt            string
	SystemInstruction string
	// Optional overrides of the catalog defaults.
	Model       string
	MaxTokens   int
	Temperature *float64
	Schema      *llm.Schema
}

// request builds the immutable adapter request for t.
func (t Task) request(spec TaskSpec) *llm.Request {
	req := &llm.Request{
		Task:              string(t.Kind),
		Prompt:            t.Prompt,
		SystemInstruction: t.SystemInstruction,
		Model:             t.Model,
		MaxTokens:         spec.MaxTokens,
		Temperature:       spec.Temperature,
		Schema:            spec.Schema,
	}
	if t.MaxTokens > 0 {
		req.MaxTokens = t.MaxTokens
	}
	if t.Temperature != nil {
		req.Temperature = *t.Temperature
	}
	if t.Schema != nil {
		req.Schema = t.Schema
	}
	return req
}

// shapeOf reports the output shape once overrides are applied.
func shapeOf(spec TaskSpec, req *llm.Request) Shape {
	if req.Schema == nil {
		return ShapeText
	}
	switch req.Schema.Type {
	case llm.TypeArray:
		return ShapeArray
	case llm.TypeObject:
		return ShapeObject
	}
	return spec.Shape
}
