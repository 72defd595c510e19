package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"email-classifier/internal/model"
	"email-classifier/pkg/circuitbreaker"
	"email-classifier/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantCat  model.Category
		wantConf float64
		wantErr  bool
	}{
		{"plain", `{"category":"marketing","confidence":0.91,"reasoning":"promo"}`, model.CategoryMarketing, 0.91, false},
		{"fenced", "```json\n{\"category\": \"Customer Support\", \"confidence\": 0.7}\n```", model.CategoryCustomerSupport, 0.7, false},
		{"prose around", "Sure! Here you go: {\"category\":\"survey\",\"confidence\":0.6} hope that helps", model.CategorySurvey, 0.6, false},
		{"legacy keys", `{"email_category":"transactional","confidence_score":0.88}`, model.CategoryTransactional, 0.88, false},
		{"clamped", `{"category":"personal","confidence":3}`, model.CategoryPersonal, 1, false},
		{"unknown label kept", `{"category":"SPAM","confidence":0.9}`, "spam", 0.9, false},
		{"missing category", `{"confidence":0.9}`, "", 0, true},
		{"no json", "I cannot classify this", "", 0, true},
		{"broken json", `{"category": "marketing",}`, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, conf, err := ParseClassification(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCat, cat)
			assert.InDelta(t, tt.wantConf, conf, 1e-9)
		})
	}
}

func TestBuildUserPrompt(t *testing.T) {
	p := BuildUserPrompt("Subject: Hi\n\nbody", model.Metadata{Footer: "© Acme", URLs: []string{"https://a", "https://b"}})
	assert.Contains(t, p, "Subject: Hi")
	assert.Contains(t, p, "Footer Text: © Acme")
	assert.Contains(t, p, "URLs Found: https://a, https://b")

	p = BuildUserPrompt("x", model.Metadata{})
	assert.Contains(t, p, "No footer")
	assert.Contains(t, p, "No URLs")
}

func TestOpenAIClassifier(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"category\":\"survey\",\"confidence\":0.77}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClassifier(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Temperature: 0.1, MaxTokens: 100})
	cat, conf, err := c.Classify(context.Background(), "please rate us", model.Metadata{})

	require.NoError(t, err)
	assert.Equal(t, model.CategorySurvey, cat)
	assert.Equal(t, 0.77, conf)
	assert.Equal(t, DefaultOpenAIModel, gotBody["model"])
	assert.Equal(t, map[string]any{"type": "json_object"}, gotBody["response_format"])
}

func TestOpenAIClassifier_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, _, err := NewOpenAIClassifier(Config{APIKey: "bad", BaseURL: srv.URL + "/v1"}).
		Classify(context.Background(), "x", model.Metadata{})
	assert.ErrorIs(t, err, util.ErrPermanent)
}

func TestOpenAIClassifier_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream","type":"server_error"}}`))
	}))
	defer srv.Close()

	_, _, err := NewOpenAIClassifier(Config{APIKey: "k", BaseURL: srv.URL + "/v1"}).
		Classify(context.Background(), "x", model.Metadata{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, util.ErrPermanent)
}

func TestOpenAIEmbedder(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(Config{APIKey: "k", BaseURL: srv.URL + "/v1", EmbedModel: "text-embedding-ada-002"})
	require.NoError(t, err)
	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)
	assert.Equal(t, "text-embedding-ada-002", req["model"])
}

func TestOpenAIEmbedderRejectsUnknownModel(t *testing.T) {
	_, err := NewOpenAIEmbedder(Config{APIKey: "k", EmbedModel: "text-embedding-9-huge"})
	assert.Error(t, err)

	_, err = NewEmbedder(Config{Provider: ProviderOpenAI, APIKey: "k", EmbedModel: "nope"})
	assert.Error(t, err)

	e, err := NewOpenAIEmbedder(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-ada-002", e.model.String())
}

func TestOllamaClassifier(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"{\"category\":\"transactional\",\"confidence\":0.81}"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	c, err := NewOllamaClassifier(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	cat, conf, err := c.Classify(context.Background(), "your receipt", model.Metadata{})

	require.NoError(t, err)
	assert.Equal(t, model.CategoryTransactional, cat)
	assert.Equal(t, 0.81, conf)
	assert.Equal(t, false, req["stream"])
	assert.Equal(t, "json", req["format"])
}

func TestOllamaClassifier_MissingModelIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("{}\n"))
	}))
	defer srv.Close()

	c, err := NewOllamaClassifier(Config{BaseURL: srv.URL, Model: "nope"})
	require.NoError(t, err)
	_, _, err = c.Classify(context.Background(), "x", model.Metadata{})
	assert.ErrorIs(t, err, util.ErrPermanent)
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.25]}`))
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, v)
}

func TestAgentClassifier(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/classify", r.URL.Path)
		var in agentRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		assert.Equal(t, "hello", in.Text)

		code := int(status.Load())
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = w.Write([]byte(`{"category":"personal","confidence":0.66,"reasoning":"friend"}`))
		}
	}))
	defer srv.Close()

	c := NewAgentClassifier(Config{BaseURL: srv.URL}, zap.NewNop())

	cat, conf, err := c.Classify(context.Background(), "hello", model.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, model.CategoryPersonal, cat)
	assert.Equal(t, 0.66, conf)

	status.Store(http.StatusBadRequest)
	_, _, err = c.Classify(context.Background(), "hello", model.Metadata{})
	assert.ErrorIs(t, err, util.ErrPermanent)

	status.Store(http.StatusServiceUnavailable)
	_, _, err = c.Classify(context.Background(), "hello", model.Metadata{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, util.ErrPermanent)
}

func TestAgentClassifier_OpenBreakerIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewAgentClassifier(Config{BaseURL: srv.URL}, nil)
	for i := 0; i < 5; i++ {
		_, _, _ = c.Classify(context.Background(), "x", model.Metadata{})
	}

	_, _, err := c.Classify(context.Background(), "x", model.Metadata{})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.NotErrorIs(t, err, util.ErrPermanent)
	assert.Equal(t, int32(5), calls.Load())
}

func TestFactories(t *testing.T) {
	_, err := NewClassifier(Config{Provider: "openai"}, nil)
	assert.Error(t, err)

	c, err := NewClassifier(Config{Provider: "openai", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClassifier{}, c)

	c, err = NewClassifier(Config{Provider: "ollama"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OllamaClassifier{}, c)

	_, err = NewClassifier(Config{Provider: "agent"}, nil)
	assert.Error(t, err)

	_, err = NewClassifier(Config{Provider: "bard"}, nil)
	assert.Error(t, err)

	e, err := NewEmbedder(Config{Provider: "agent", EmbedProvider: "ollama"})
	require.NoError(t, err)
	assert.IsType(t, &OllamaEmbedder{}, e)

	_, err = NewEmbedder(Config{Provider: "agent"})
	assert.Error(t, err)
}

func TestSystemPromptAsksForCompactJSON(t *testing.T) {
	assert.Contains(t, SystemPrompt, `{"category": "...", "confidence": 0.0}`)
	assert.NotContains(t, SystemPrompt, "reasoning")
}

func TestParseContact(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"dpo@acme.com", "dpo@acme.com"},
		{"  `Privacy@Acme.com` ", "privacy@acme.com"},
		{"The DPO can be reached at dpo@acme.com.", "dpo@acme.com"},
		{"None", ""},
		{"none", ""},
		{"", ""},
		{"No address was found in the text", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseContact(tt.raw), tt.raw)
	}
}

func TestOpenAIExtractContact(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"DPO@Acme.com"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClassifier(Config{APIKey: "k", BaseURL: srv.URL + "/v1"})
	addr, err := c.ExtractContact(context.Background(), "Contact our Data Protection Officer at DPO@Acme.com")

	require.NoError(t, err)
	assert.Equal(t, "dpo@acme.com", addr)
	assert.Nil(t, gotBody["response_format"])
	msgs, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].(map[string]any)["content"], "Data Protection Officer at DPO@Acme.com")
}

func TestOllamaExtractContact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"None"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	c, err := NewOllamaClassifier(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	addr, err := c.ExtractContact(context.Background(), "We value your privacy.")

	require.NoError(t, err)
	assert.Empty(t, addr)
}

func TestNewContactExtractor(t *testing.T) {
	e, err := NewContactExtractor(Config{Provider: ProviderOpenAI, APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClassifier{}, e)

	e, err = NewContactExtractor(Config{Provider: ProviderOllama})
	require.NoError(t, err)
	assert.IsType(t, &OllamaClassifier{}, e)

	e, err = NewContactExtractor(Config{Provider: ProviderAgent, BaseURL: "http://agent"})
	assert.ErrorIs(t, err, ErrNoContactExtractor)
	assert.Nil(t, e)

	_, err = NewContactExtractor(Config{Provider: ProviderOllama, BaseURL: "://bad"})
	assert.Error(t, err)
}
