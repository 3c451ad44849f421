package providers

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

// Family tags a native request/response format.
type Family string

const (
	FamilyOpenAI        Family = "openai"
	FamilyGemini        Family = "gemini"
	FamilyAnthropic     Family = "anthropic"
	FamilyCodeWhisperer Family = "codewhisperer"
)

// NativeRequest is a provider-ready request body plus the routing details the
// provider client needs to send it.
type NativeRequest struct {
	Family Family
	Model  string
	Path   string
	Body   []byte
	Stream bool
}

// RequestTransformer maps a canonical request into a family's native request.
type RequestTransformer interface {
	ToNative(req *canonical.Request) (*NativeRequest, error)
}

// ResponseTransformer maps a complete native response into a canonical one.
type ResponseTransformer interface {
	ToCanonical(body []byte, originalModel, requestID string) (*canonical.Response, error)
}

// StreamTranslator converts the chunks of one native stream. It is owned by
// a single response and must not be shared.
type StreamTranslator interface {
	// Translate maps one native chunk. Keep-alive chunks yield no events.
	Translate(chunk []byte) ([]canonical.StreamEvent, error)
	// Finish closes whatever the upstream left open when it ended early.
	Finish() []canonical.StreamEvent
}

// StreamChunkTransformer is implemented by families with native streaming.
type StreamChunkTransformer interface {
	NewStreamTranslator(originalModel, requestID string) StreamTranslator
}

// Transformer is the full capability set a family registers with.
type Transformer interface {
	Family() Family
	RequestTransformer
	ResponseTransformer
	// AuthHeaders returns the headers that authenticate a call with apiKey.
	AuthHeaders(apiKey string) map[string]string
}

// Descriptor is one configured provider. Immutable after registry load.
type Descriptor struct {
	ID                string
	Family            Family
	Endpoint          string
	APIKey            string
	Model             string // upstream model override, empty keeps the client's model
	Weight            int
	SupportsStreaming bool
	SupportsTools     bool
	Timeout           time.Duration
	Headers           map[string]string
	// AllowedModels restricts the client models this provider serves to
	// those containing one of the entries. Empty allows every model.
	AllowedModels []string
}

// Allows reports whether the provider may serve the client model.
func (d Descriptor) Allows(model string) bool {
	if len(d.AllowedModels) == 0 {
		return true
	}

	for _, allowed := range d.AllowedModels {
		if strings.Contains(model, allowed) {
			return true
		}
	}

	return false
}

// Registry holds the provider descriptors in declaration order and the
// family transformers keyed by family tag.
type Registry struct {
	providers map[string]Descriptor
	order     []string
	families  map[Family]Transformer
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Descriptor),
		families:  make(map[Family]Transformer),
	}
}

// RegisterFamily adds a family transformer.
func (r *Registry) RegisterFamily(t Transformer) {
	r.families[t.Family()] = t
}

// Register adds a provider descriptor. The family must already be registered.
func (r *Registry) Register(desc Descriptor) error {
	if desc.ID == "" {
		return fmt.Errorf("provider id must not be empty")
	}

	if _, exists := r.providers[desc.ID]; exists {
		return fmt.Errorf("provider %q registered twice", desc.ID)
	}

	if _, ok := r.families[desc.Family]; !ok {
		return fmt.Errorf("provider %q: unknown family %q", desc.ID, desc.Family)
	}

	if desc.Weight <= 0 {
		desc.Weight = 1
	}

	r.providers[desc.ID] = desc
	r.order = append(r.order, desc.ID)

	return nil
}

// Get retrieves a provider descriptor by id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	desc, exists := r.providers[id]
	return desc, exists
}

// Transformer resolves the transformer for a family.
func (r *Registry) Transformer(family Family) (Transformer, bool) {
	t, ok := r.families[family]
	return t, ok
}

// TransformerFor resolves the transformer serving a provider id.
func (r *Registry) TransformerFor(id string) (Transformer, Descriptor, error) {
	desc, ok := r.providers[id]
	if !ok {
		return nil, Descriptor{}, fmt.Errorf("provider %q not registered", id)
	}

	return r.families[desc.Family], desc, nil
}

// Streamer returns the family's stream transformer if the provider streams natively.
func (r *Registry) Streamer(id string) (StreamChunkTransformer, bool) {
	desc, ok := r.providers[id]
	if !ok || !desc.SupportsStreaming {
		return nil, false
	}

	s, ok := r.families[desc.Family].(StreamChunkTransformer)

	return s, ok
}

// FamilyForEndpoint infers the family from a provider endpoint's domain.
// Used when a provider entry omits its family.
func FamilyForEndpoint(endpoint string) (Family, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint URL: %w", err)
	}

	domain := strings.ToLower(u.Hostname())
	if domain == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}

	domainFamilyMap := map[string]Family{
		"openrouter.ai":                         FamilyOpenAI,
		"api.openrouter.ai":                     FamilyOpenAI,
		"api.openai.com":                        FamilyOpenAI,
		"integrate.api.nvidia.com":              FamilyOpenAI,
		"api-inference.modelscope.cn":           FamilyOpenAI,
		"api.anthropic.com":                     FamilyAnthropic,
		"generativelanguage.googleapis.com":     FamilyGemini,
		"codewhisperer.us-east-1.amazonaws.com": FamilyCodeWhisperer,
		"q.us-east-1.amazonaws.com":             FamilyCodeWhisperer,
	}

	if family, exists := domainFamilyMap[domain]; exists {
		return family, nil
	}

	return "", fmt.Errorf("no family known for domain: %s", domain)
}

// List returns provider ids in declaration order.
func (r *Registry) List() []string {
	return append([]string(nil), r.order...)
}

// Families returns the registered family tags, sorted.
func (r *Registry) Families() []Family {
	out := make([]Family, 0, len(r.families))
	for f := range r.families {
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.order)
}

// Initialize registers all built-in families.
func (r *Registry) Initialize() {
	r.RegisterFamily(NewOpenAITransformer())
	r.RegisterFamily(NewGeminiTransformer())
	r.RegisterFamily(NewAnthropicTransformer())
	r.RegisterFamily(NewCodeWhispererTransformer())
}
