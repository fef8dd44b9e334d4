package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

const systemPrompt = `You annotate vehicle health diagnostics for a car owner.
You receive a JSON document with the computed score, the detected issues and the vehicle's maintenance history.
Respond with a single JSON object and nothing else, shaped exactly as:
{"recommendations": ["..."], "narrativeAnnotations": [{"issueRef": "<issue ref>", "text": "..."}]}
Only reference issueRef values present in the input. Do not restate the score.`

// Request is what the annotator sees for one record.
type Request struct {
	RecordID    uuid.UUID                `json:"record_id"`
	VehicleID   uuid.UUID                `json:"vehicle_id"`
	Modality    enums.Modality           `json:"modality"`
	Mileage     *int                     `json:"mileage,omitempty"`
	Score       types.ScoreResult        `json:"score"`
	Maintenance types.MaintenanceContext `json:"maintenance"`
}

// Gateway is a best-effort remote annotator.
type Gateway interface {
	Enrich(ctx context.Context, req Request) (types.EnrichedAnnotations, error)
}

type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicParams configure the Anthropic-backed gateway.
type AnthropicParams struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL and HTTPClient override the API endpoint, mainly for tests.
	BaseURL    string
	HTTPClient *http.Client
}

// AnthropicGateway annotates scores through the Messages API.
type AnthropicGateway struct {
	messages  messagesAPI
	model     string
	maxTokens int64
}

// NewAnthropicGateway builds a gateway. SDK retries are disabled; the
// enricher owns timeouts and a failed call simply means no enrichment.
func NewAnthropicGateway(params AnthropicParams) (*AnthropicGateway, error) {
	if strings.TrimSpace(params.APIKey) == "" {
		return nil, fmt.Errorf("anthropic api key required")
	}
	if params.Model == "" {
		return nil, fmt.Errorf("anthropic model required")
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	opts := []option.RequestOption{
		option.WithAPIKey(params.APIKey),
		option.WithMaxRetries(0),
	}
	if params.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(params.BaseURL))
	}
	if params.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(params.HTTPClient))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicGateway{messages: &client.Messages, model: params.Model, maxTokens: maxTokens}, nil
}

func (g *AnthropicGateway) Enrich(ctx context.Context, req Request) (types.EnrichedAnnotations, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return types.EnrichedAnnotations{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode enrichment request")
	}

	resp, err := g.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(payload))),
		},
	})
	if err != nil {
		return types.EnrichedAnnotations{}, pkgerrors.Transient(err, "anthropic messages call")
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return ParseAnnotations(text.String())
}
