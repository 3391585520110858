package llm

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_FillsDefaults(t *testing.T) {
	r, err := DefaultEndpoints().Resolve(ProviderConfig{Provider: DeepSeek, APIKey: "sk"})
	require.NoError(t, err)

	assert.Equal(t, DeepSeek, r.ID)
	assert.Equal(t, FamilyMessageProtocol, r.Family)
	assert.Equal(t, "https://api.deepseek.com/v1", r.BaseURL)
	assert.Equal(t, "deepseek-chat", r.Model)
	assert.True(t, r.Moderated)
}

func TestResolve_OverridesWin(t *testing.T) {
	r, err := DefaultEndpoints().Resolve(ProviderConfig{
		Provider: Gemini,
		APIKey:   "k",
		BaseURL:  "http://proxy.local/v1beta/",
		Model:    "gemini-2.5-pro",
	})
	require.NoError(t, err)

	assert.Equal(t, "http://proxy.local/v1beta", r.BaseURL)
	assert.Equal(t, "gemini-2.5-pro", r.Model)
	assert.Equal(t, FamilySchemaNative, r.Family)
}

func TestResolve_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   ProviderConfig
		field string
	}{
		{"unknown provider", ProviderConfig{Provider: "mistral", APIKey: "k"}, "provider"},
		{"missing key", ProviderConfig{Provider: OpenAI}, "api_key"},
		{"custom without base url", ProviderConfig{Provider: Custom, Model: "llama3"}, "base_url"},
		{"custom without model", ProviderConfig{Provider: Custom, BaseURL: "http://localhost:8080/v1"}, "model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DefaultEndpoints().Resolve(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissingConfiguration))

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestResolve_CustomNeedsNoKey(t *testing.T) {
	r, err := DefaultEndpoints().Resolve(ProviderConfig{Provider: Custom, BaseURL: "http://localhost:11434/v1", Model: "qwen2.5"})
	require.NoError(t, err)
	assert.Empty(t, r.APIKey)
}

func TestDefaultEndpoints_IsACopy(t *testing.T) {
	e := DefaultEndpoints()
	delete(e, OpenAI)

	_, ok := DefaultEndpoints()[OpenAI]
	assert.True(t, ok)
}

func TestEndpoints_IDsSorted(t *testing.T) {
	ids := DefaultEndpoints().IDs()
	require.Len(t, ids, 7)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

func TestClampTokens(t *testing.T) {
	r := Resolved{MaxOutputTokens: 1000}
	assert.Equal(t, 500, r.ClampTokens(500))
	assert.Equal(t, 1000, r.ClampTokens(4000))
	assert.Equal(t, 1000, r.ClampTokens(0))

	assert.Equal(t, 4000, Resolved{}.ClampTokens(4000))
	assert.Equal(t, 0, Resolved{}.ClampTokens(0))
}

func TestShapeSystemInstruction(t *testing.T) {
	plain := Resolved{}
	assert.Equal(t, "be terse", plain.ShapeSystemInstruction("be terse"))
	assert.Empty(t, plain.ShapeSystemInstruction(""))

	moderated := Resolved{Moderated: true}
	assert.Equal(t, moderationDirective, moderated.ShapeSystemInstruction(""))
	shaped := moderated.ShapeSystemInstruction("be terse")
	assert.True(t, strings.HasPrefix(shaped, "be terse\n\n"))
	assert.True(t, strings.HasSuffix(shaped, moderationDirective))
}

func TestFormatInstruction(t *testing.T) {
	s := &Schema{Type: TypeObject, Properties: map[string]*Schema{"title": {Type: TypeString}}}

	got := FormatInstruction(s)
	assert.Contains(t, got, "valid JSON only (a single JSON object)")
	assert.Contains(t, got, `{"type":"object","properties":{"title":{"type":"string"}}}`)
	assert.Contains(t, got, "Do not wrap the JSON in markdown code fences")
}

func TestNew_UnknownFamily(t *testing.T) {
	_, err := New(Resolved{ID: "x", Family: "nope"}, nil)
	assert.ErrorContains(t, err, "factory lookup failed")
}
