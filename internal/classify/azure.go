// Package classify provides an optional LLM-backed intent classifier on
// top of Azure OpenAI chat completions. It implements analyze.Classifier;
// every failure mode returns an error so the caller's lexical path takes
// over, keeping the remote model off the critical path entirely.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/analyze"
)

const systemPrompt = `You classify natural-language database queries.
Reply with a single JSON object and nothing else:
{"verb":"SELECT|COUNT|INSERT|UPDATE|DELETE|DESCRIBE","entities":["table",...],"conditions":{"location":"","limit":0,"status":"","where":""}}
Known tables: customers, orders, products, employees, payments, support_tickets.
Omit or zero any condition the query does not state.`

// Azure classifies queries through an Azure OpenAI deployment.
type Azure struct {
	client     *azopenai.Client
	deployment string
}

// NewAzure creates a classifier for the given endpoint, API key, and
// deployment name.
func NewAzure(endpoint, apiKey, deployment string) (*Azure, error) {
	client, err := azopenai.NewClientWithKeyCredential(endpoint, azcore.NewKeyCredential(apiKey), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure OpenAI client: %w", err)
	}
	return &Azure{client: client, deployment: deployment}, nil
}

// Classify sends the query to the deployment and parses the structured
// reply. Any transport error, empty completion, or malformed reply is
// returned as an error for the caller to fall back on.
func (a *Azure) Classify(ctx context.Context, query string) (analyze.Intent, error) {
	resp, err := a.client.GetChatCompletions(ctx, azopenai.ChatCompletionsOptions{
		DeploymentName: to.Ptr(a.deployment),
		Messages: []azopenai.ChatRequestMessageClassification{
			&azopenai.ChatRequestSystemMessage{
				Content: azopenai.NewChatRequestSystemMessageContent(systemPrompt),
			},
			&azopenai.ChatRequestUserMessage{
				Content: azopenai.NewChatRequestUserMessageContent(query),
			},
		},
	}, nil)
	if err != nil {
		return analyze.Intent{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == nil {
		return analyze.Intent{}, fmt.Errorf("no completion received")
	}

	return ParseReply(*resp.Choices[0].Message.Content)
}

type reply struct {
	Verb       string   `json:"verb"`
	Entities   []string `json:"entities"`
	Conditions struct {
		Location string `json:"location"`
		Limit    int    `json:"limit"`
		Status   string `json:"status"`
		Where    string `json:"where"`
	} `json:"conditions"`
}

// ParseReply decodes a model reply into an intent. Models occasionally
// wrap the JSON in code fences or prose; only the first object is read.
func ParseReply(content string) (analyze.Intent, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return analyze.Intent{}, fmt.Errorf("no JSON object in classifier reply")
	}

	var r reply
	if err := json.Unmarshal([]byte(content[start:end+1]), &r); err != nil {
		return analyze.Intent{}, fmt.Errorf("failed to decode classifier reply: %w", err)
	}

	verb := analyze.Verb(strings.ToUpper(strings.TrimSpace(r.Verb)))
	switch verb {
	case analyze.VerbSelect, analyze.VerbCount, analyze.VerbInsert,
		analyze.VerbUpdate, analyze.VerbDelete, analyze.VerbDescribe:
	default:
		return analyze.Intent{}, fmt.Errorf("classifier returned unknown verb %q", r.Verb)
	}

	return analyze.Intent{
		Verb:     verb,
		Entities: r.Entities,
		Conditions: analyze.Conditions{
			Location: r.Conditions.Location,
			Limit:    r.Conditions.Limit,
			Status:   r.Conditions.Status,
			Where:    r.Conditions.Where,
		},
	}, nil
}
