// Package transform implements the request transformer:
// model-name remapping (with a separate vision-aware map), and
// provider auth header rewriting for "inject" mode providers.
//
// Request bodies are inspected as loosely-typed JSON rather than
// unmarshaled into a rigid schema, since only a handful of fields are
// ever read or rewritten. Header handling follows the hop-by-hop
// stripping and additive-copy conventions used elsewhere in the proxy.
package transform

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/match"
)

// compiledMap is a provider's model map with patterns pre-compiled.
type compiledMap []compiledEntry

type compiledEntry struct {
	pattern *match.Pattern
	model   string
}

func compileMap(entries []config.ModelMapEntry) (compiledMap, error) {
	out := make(compiledMap, 0, len(entries))
	for _, e := range entries {
		p, err := match.Compile(e.Pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, compiledEntry{pattern: p, model: e.Model})
	}
	return out, nil
}

func (m compiledMap) firstMatch(model string) (string, bool) {
	for _, e := range m {
		if e.pattern.Match(model) {
			return e.model, true
		}
	}
	return "", false
}

// Transformer applies one provider's model map and header rules. One
// Transformer is built per Provider snapshot and is immutable —
// rebuild it (via New) on config reload rather than mutating in place.
type Transformer struct {
	provider   config.ProviderConfig
	modelMap   compiledMap
	vlModelMap compiledMap
}

// New compiles a Transformer for the given provider config.
func New(provider config.ProviderConfig) (*Transformer, error) {
	modelMap, err := compileMap(provider.ModelMap)
	if err != nil {
		return nil, err
	}
	vlModelMap, err := compileMap(provider.VLModelMap)
	if err != nil {
		return nil, err
	}
	return &Transformer{provider: provider, modelMap: modelMap, vlModelMap: vlModelMap}, nil
}

// Result is the outcome of transforming one request.
type Result struct {
	Body    []byte
	Headers http.Header
	// Model is the (possibly remapped) model name, for logging. Empty
	// if the body had no model field or couldn't be parsed.
	Model string
}

// Apply transforms body and headers according to the provider's mode.
// In "passthrough" mode both are returned unchanged. In "inject" mode,
// the body is parsed as JSON (a parse failure leaves the body
// unchanged and is not an error), the model field is
// remapped, and auth headers are rewritten.
func (t *Transformer) Apply(body []byte, headers http.Header) (Result, error) {
	if t.provider.Mode != "inject" {
		return Result{Body: body, Headers: headers}, nil
	}

	newBody, model := t.remapModel(body)
	newHeaders := t.injectHeaders(headers)

	return Result{Body: newBody, Headers: newHeaders, Model: model}, nil
}

// remapModel parses body as JSON, picks the VL or regular map based on
// whether the request carries image content, rewrites body.model on a
// pattern hit, and re-serializes. Any parse failure returns body
// unchanged.
func (t *Transformer) remapModel(body []byte) ([]byte, string) {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return body, ""
	}

	model, _ := decoded["model"].(string)
	if model == "" {
		return body, ""
	}

	firstMap, secondMap := t.selectMaps(decoded)

	target, ok := firstMap.firstMatch(model)
	if !ok && secondMap != nil {
		target, ok = secondMap.firstMatch(model)
	}
	if !ok {
		return body, model
	}

	decoded["model"] = target
	out, err := json.Marshal(decoded)
	if err != nil {
		return body, model
	}
	return out, target
}

// selectMaps picks the map to try first based on image content, and
// returns the other map (if non-empty) as the fallback.
func (t *Transformer) selectMaps(body map[string]any) (first compiledMap, second compiledMap) {
	if hasImage(body) && len(t.vlModelMap) > 0 {
		return t.vlModelMap, nonEmptyOrNil(t.modelMap)
	}
	return t.modelMap, nonEmptyOrNil(t.vlModelMap)
}

func nonEmptyOrNil(m compiledMap) compiledMap {
	if len(m) == 0 {
		return nil
	}
	return m
}

// hasImage scans body.messages[].content[] for an item whose "type"
// is "image" or "image_url", or whose "image_url" field is a non-nil
// object — the signal used to pick the vision-aware map.
func hasImage(body map[string]any) bool {
	messages, ok := body["messages"].([]any)
	if !ok {
		return false
	}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, c := range content {
			part, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t == "image" || t == "image_url" {
				return true
			}
			if iu, present := part["image_url"]; present {
				if obj, ok := iu.(map[string]any); ok && obj != nil {
					return true
				}
			}
		}
	}
	return false
}

// defaultAuthHeader returns the conventional auth header name for a
// provider type when the config doesn't specify one explicitly.
func defaultAuthHeader(providerType string) string {
	if providerType == "openai" {
		return "Authorization"
	}
	return "x-api-key"
}

// inboundAuthHeaders are stripped from the client's request before
// injecting the provider's own credential, so a client-supplied key
// never leaks upstream in inject mode.
var inboundAuthHeaders = []string{"Authorization", "x-api-key"}

// injectHeaders removes inbound auth headers, injects the provider's
// credential under its auth header, and merges extraHeaders last so
// they win on collision.
func (t *Transformer) injectHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src)+4)
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}

	authHeader := t.provider.AuthHeader
	if authHeader == "" {
		authHeader = defaultAuthHeader(t.provider.ProviderType)
	}

	for _, h := range inboundAuthHeaders {
		dst.Del(h)
	}
	if authHeader != "" {
		dst.Del(authHeader)
	}

	if t.provider.APIKey != "" {
		if strings.EqualFold(authHeader, "Authorization") && t.provider.ProviderType == "openai" {
			dst.Set(authHeader, "Bearer "+t.provider.APIKey)
		} else {
			dst.Set(authHeader, t.provider.APIKey)
		}
	}

	for k, v := range t.provider.ExtraHeaders {
		dst.Set(k, v)
	}

	return dst
}
