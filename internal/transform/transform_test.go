package transform

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/ccrelay/ccrelay/internal/config"
)

func TestApply_PassthroughModeUnchanged(t *testing.T) {
	p := config.ProviderConfig{Mode: "passthrough"}
	tr, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"model":"claude-3"}`)
	h := http.Header{"Authorization": {"Bearer x"}}

	res, err := tr.Apply(body, h)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Body) != string(body) {
		t.Errorf("body should be unchanged, got %s", res.Body)
	}
	if res.Headers.Get("Authorization") != "Bearer x" {
		t.Error("headers should be unchanged in passthrough mode")
	}
}

func TestApply_NoModelFieldPassesThrough(t *testing.T) {
	// Property 6: a request body with no model field is passed
	// unchanged through the transformer.
	p := config.ProviderConfig{Mode: "inject", ModelMap: []config.ModelMapEntry{{Pattern: "*", Model: "x"}}}
	tr, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	res, err := tr.Apply(body, http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	json.Unmarshal(res.Body, &got)
	if _, ok := got["model"]; ok {
		t.Error("model field should not be introduced")
	}
}

func TestApply_InvalidJSONUnchanged(t *testing.T) {
	p := config.ProviderConfig{Mode: "inject", ModelMap: []config.ModelMapEntry{{Pattern: "*", Model: "x"}}}
	tr, _ := New(p)
	body := []byte(`not json`)
	res, err := tr.Apply(body, http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Body) != string(body) {
		t.Error("malformed body should be left unchanged")
	}
}

func TestApply_ModelRemapping(t *testing.T) {
	p := config.ProviderConfig{
		Mode:     "inject",
		ModelMap: []config.ModelMapEntry{{Pattern: "claude-*", Model: "gpt-4"}},
	}
	tr, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"model":"claude-3","messages":[]}`)
	res, err := tr.Apply(body, http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	json.Unmarshal(res.Body, &got)
	if got["model"] != "gpt-4" {
		t.Errorf("expected remapped model gpt-4, got %v", got["model"])
	}
	if res.Model != "gpt-4" {
		t.Errorf("expected Result.Model gpt-4, got %q", res.Model)
	}
}

func TestApply_VLMapping(t *testing.T) {
	// Scenario S5.
	p := config.ProviderConfig{
		Mode:       "inject",
		ModelMap:   []config.ModelMapEntry{{Pattern: "claude-*", Model: "gpt-4"}},
		VLModelMap: []config.ModelMapEntry{{Pattern: "claude-*", Model: "gpt-4-vision"}},
	}
	tr, err := New(p)
	if err != nil {
		t.Fatal(err)
	}

	withImage := []byte(`{"model":"claude-3","messages":[{"role":"user","content":[{"type":"image","source":{}}]}]}`)
	res, err := tr.Apply(withImage, http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	json.Unmarshal(res.Body, &got)
	if got["model"] != "gpt-4-vision" {
		t.Errorf("expected gpt-4-vision for image request, got %v", got["model"])
	}

	withoutImage := []byte(`{"model":"claude-3","messages":[{"role":"user","content":"hi"}]}`)
	res, err = tr.Apply(withoutImage, http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	json.Unmarshal(res.Body, &got)
	if got["model"] != "gpt-4" {
		t.Errorf("expected gpt-4 for non-image request, got %v", got["model"])
	}
}

func TestApply_FallbackToSecondMap(t *testing.T) {
	p := config.ProviderConfig{
		Mode:       "inject",
		ModelMap:   []config.ModelMapEntry{{Pattern: "gpt-*", Model: "gpt-4"}},
		VLModelMap: []config.ModelMapEntry{{Pattern: "claude-*", Model: "gpt-4-vision"}},
	}
	tr, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	// Image request whose model doesn't match vlModelMap falls back to modelMap.
	body := []byte(`{"model":"gpt-3","messages":[{"role":"user","content":[{"type":"image"}]}]}`)
	res, err := tr.Apply(body, http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	json.Unmarshal(res.Body, &got)
	if got["model"] != "gpt-4" {
		t.Errorf("expected fallback to modelMap gpt-4, got %v", got["model"])
	}
}

func TestApply_Idempotent(t *testing.T) {
	// Property 5: applyModelMapping is idempotent after one pass when
	// source and target patterns don't overlap.
	p := config.ProviderConfig{
		Mode:     "inject",
		ModelMap: []config.ModelMapEntry{{Pattern: "claude-*", Model: "gpt-4"}},
	}
	tr, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"model":"claude-3"}`)
	first, _ := tr.Apply(body, http.Header{})
	second, _ := tr.Apply(first.Body, http.Header{})
	if string(first.Body) != string(second.Body) {
		t.Errorf("expected idempotence, first=%s second=%s", first.Body, second.Body)
	}
}

func TestInjectHeaders_AnthropicDefault(t *testing.T) {
	p := config.ProviderConfig{
		Mode: "inject", ProviderType: "anthropic", APIKey: "sk-ant-test",
		ExtraHeaders: map[string]string{"anthropic-version": "2023-06-01"},
	}
	tr, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	h := http.Header{"Authorization": {"Bearer client-key"}, "x-api-key": {"client-key"}}
	res, err := tr.Apply([]byte(`{}`), h)
	if err != nil {
		t.Fatal(err)
	}
	if res.Headers.Get("x-api-key") != "sk-ant-test" {
		t.Errorf("expected injected x-api-key, got %q", res.Headers.Get("x-api-key"))
	}
	if res.Headers.Get("Authorization") != "" {
		t.Error("expected inbound Authorization header stripped")
	}
	if res.Headers.Get("anthropic-version") != "2023-06-01" {
		t.Error("expected extraHeaders merged")
	}
}

func TestInjectHeaders_OpenAIBearer(t *testing.T) {
	p := config.ProviderConfig{Mode: "inject", ProviderType: "openai", APIKey: "sk-oa-test"}
	tr, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Apply([]byte(`{}`), http.Header{"x-api-key": {"leaked"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Headers.Get("Authorization") != "Bearer sk-oa-test" {
		t.Errorf("expected Bearer token, got %q", res.Headers.Get("Authorization"))
	}
	if res.Headers.Get("x-api-key") != "" {
		t.Error("expected inbound x-api-key stripped")
	}
}

func TestInjectHeaders_ExtraHeadersWinOnCollision(t *testing.T) {
	p := config.ProviderConfig{
		Mode: "inject", ProviderType: "anthropic", APIKey: "sk-ant-test",
		AuthHeader:   "x-api-key",
		ExtraHeaders: map[string]string{"x-api-key": "overridden"},
	}
	tr, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Apply([]byte(`{}`), http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Headers.Get("x-api-key") != "overridden" {
		t.Errorf("expected extraHeaders to win, got %q", res.Headers.Get("x-api-key"))
	}
}
