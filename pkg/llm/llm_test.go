package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-platform/sentinel/core/pkg/llm"
)

const findingSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]}
	},
	"required": ["title", "severity"]
}`

type fakeChat struct {
	content  string
	requests []map[string]any
}

func (f *fakeChat) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.requests = append(f.requests, body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model-1",
			"choices": []map[string]any{
				{"message": map[string]any{"content": f.content}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7},
		})
	}
}

func TestHTTPProviderComplete(t *testing.T) {
	fake := &fakeChat{content: "all quiet"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p := llm.NewHTTPProvider(llm.HTTPConfig{BaseURL: srv.URL, APIKey: "k", Model: "test-model-1"})
	got, err := p.Complete(context.Background(), []llm.Message{
		{Role: "user", Content: "anything unusual in the logs?"},
	}, &llm.Options{System: "you are a security analyst"})
	require.NoError(t, err)

	assert.Equal(t, "all quiet", got.Content)
	assert.Equal(t, "test-model-1", got.Model)
	assert.Equal(t, 42, got.Usage.InputTokens)
	assert.Equal(t, 7, got.Usage.OutputTokens)
	assert.Equal(t, "stop", got.StopReason)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "test-model-1", req["model"])
	assert.Equal(t, float64(llm.DefaultMaxTokens), req["max_tokens"])

	msgs, ok := req["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "you are a security analyst", first["content"])
}

func TestHTTPProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := llm.NewHTTPProvider(llm.HTTPConfig{BaseURL: srv.URL, Model: "m"})
	_, err := p.Complete(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestHTTPProviderStructuredAppendsSchema(t *testing.T) {
	fake := &fakeChat{content: `{"title": "Suspicious logins", "severity": "high"}`}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p := llm.NewHTTPProvider(llm.HTTPConfig{BaseURL: srv.URL, Model: "m"})
	var out struct {
		Title    string `json:"title"`
		Severity string `json:"severity"`
	}
	err := p.CompleteStructured(context.Background(), []llm.Message{
		{Role: "user", Content: "summarize the findings"},
	}, findingSchema, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, "Suspicious logins", out.Title)
	assert.Equal(t, "high", out.Severity)

	require.Len(t, fake.requests, 1)
	msgs := fake.requests[0]["messages"].([]any)
	last := msgs[len(msgs)-1].(map[string]any)["content"].(string)
	assert.Contains(t, last, "summarize the findings")
	assert.Contains(t, last, "Respond with valid JSON matching this schema")
	assert.Contains(t, last, `"required"`)
}

func TestCompleteStructuredExtractsWrappedJSON(t *testing.T) {
	m := llm.NewMockProvider("Here is the result:\n```json\n{\"title\": \"t\", \"severity\": \"low\"}\n```\ndone")
	var out map[string]any
	err := m.CompleteStructured(context.Background(), []llm.Message{{Role: "user", Content: "go"}}, findingSchema, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, "t", out["title"])
}

func TestCompleteStructuredValidationError(t *testing.T) {
	m := llm.NewMockProvider(`{"title": "t", "severity": "catastrophic"}`)
	var out map[string]any
	err := m.CompleteStructured(context.Background(), []llm.Message{{Role: "user", Content: "go"}}, findingSchema, &out, nil)
	require.Error(t, err)

	var ve *jsonschema.ValidationError
	assert.True(t, errors.As(err, &ve), "expected a schema validation error, got %v", err)
}

func TestCompleteStructuredNoJSON(t *testing.T) {
	m := llm.NewMockProvider("I cannot answer that.")
	var out map[string]any
	err := m.CompleteStructured(context.Background(), []llm.Message{{Role: "user", Content: "go"}}, findingSchema, &out, nil)
	assert.ErrorIs(t, err, llm.ErrNoJSON)
}

func TestMockProviderCycles(t *testing.T) {
	m := llm.NewMockProvider("one", "two")
	ctx := context.Background()

	for i, want := range []string{"one", "two", "one"} {
		got, err := m.Complete(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got.Content, "call %d", i)
	}
	assert.Equal(t, 3, m.CallCount())

	empty := &llm.MockProvider{}
	got, err := empty.Complete(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Mock LLM response", got.Content)
	assert.Equal(t, "mock-model", got.Model)
	assert.Equal(t, "end_turn", got.StopReason)
}

func TestMockProviderConcurrentCalls(t *testing.T) {
	m := llm.NewMockProvider("a", "b", "c")
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = m.Complete(context.Background(), nil, nil)
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, 10, m.CallCount())
}

func TestStructuredContentWithBracesInStrings(t *testing.T) {
	m := llm.NewMockProvider(`{"title": "payload {evil}", "severity": "medium"}`)
	var out map[string]any
	err := m.CompleteStructured(context.Background(), []llm.Message{{Role: "user", Content: "go"}}, findingSchema, &out, nil)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out["title"].(string), "{evil}"))
}
