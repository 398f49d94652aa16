package stream

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Dialect identifies the wire format a provider endpoint speaks.
type Dialect int

const (
	DialectOpenAICompatible Dialect = iota
	DialectAnthropic
	DialectGoogleNative
	DialectOllama
)

func (d Dialect) String() string {
	switch d {
	case DialectAnthropic:
		return "anthropic"
	case DialectGoogleNative:
		return "google"
	case DialectOllama:
		return "ollama"
	default:
		return "openai-compatible"
	}
}

// visionMaxTokens caps max_tokens on OpenAI-compatible vision requests;
// several hosted vision models reject larger values.
const visionMaxTokens = 4096

// anthropicVersion is the required API version header value.
const anthropicVersion = "2023-06-01"

// ClassifyBaseURL picks the dialect for a provider base URL. All
// dialect-specific behavior hangs off the returned value; nothing else
// in the package inspects the URL.
func ClassifyBaseURL(baseURL string) Dialect {
	host := strings.ToLower(baseURL)
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		host = strings.ToLower(u.Host)
	}
	switch {
	case strings.Contains(host, "anthropic"):
		return DialectAnthropic
	case strings.Contains(host, "googleapis") || strings.Contains(host, "generativelanguage"):
		return DialectGoogleNative
	case strings.Contains(host, "11434") || strings.Contains(host, "ollama"):
		return DialectOllama
	default:
		return DialectOpenAICompatible
	}
}

// Endpoint returns the full streaming URL for a request.
func (d Dialect) Endpoint(baseURL, model string) string {
	base := strings.TrimRight(baseURL, "/")
	switch d {
	case DialectAnthropic:
		return base + "/v1/messages"
	case DialectGoogleNative:
		return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", base, model)
	case DialectOllama:
		return base + "/api/chat"
	default:
		return base + "/chat/completions"
	}
}

// NeedsAuth reports whether the dialect sends credentials at all.
// Local Ollama endpoints take none.
func (d Dialect) NeedsAuth() bool {
	return d != DialectOllama
}

// AuthHeaders returns the request headers that carry the credential.
// Google passes its key as a query parameter instead, handled by the
// transport when building the final URL.
func (d Dialect) AuthHeaders(apiKey string) map[string]string {
	if apiKey == "" || !d.NeedsAuth() {
		return nil
	}
	switch d {
	case DialectAnthropic:
		return map[string]string{
			"x-api-key":         apiKey,
			"anthropic-version": anthropicVersion,
		}
	case DialectGoogleNative:
		return nil
	default:
		return map[string]string{"Authorization": "Bearer " + apiKey}
	}
}

// BuildBody renders the provider-specific JSON request body. Optional
// generation parameters are only emitted for dialects that accept
// them; images are encoded the way each wire format expects.
func (d Dialect) BuildBody(req *Request) ([]byte, error) {
	switch d {
	case DialectAnthropic:
		return d.buildAnthropic(req)
	case DialectGoogleNative:
		return d.buildGoogle(req)
	case DialectOllama:
		return d.buildOllama(req)
	default:
		return d.buildOpenAI(req)
	}
}

// buildOpenAI emits the /chat/completions shape. Images ride inline as
// data-URL content parts. This dialect takes the full optional
// parameter set.
func (d Dialect) buildOpenAI(req *Request) ([]byte, error) {
	body := map[string]any{
		"model":  req.Model,
		"stream": true,
	}

	var messages []map[string]any
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	hasImages := false
	for _, m := range req.Messages {
		if len(m.Images) == 0 {
			messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
			continue
		}
		hasImages = true
		parts := []map[string]any{{"type": "text", "text": m.Content}}
		for _, img := range m.Images {
			parts = append(parts, map[string]any{
				"type": "image_url",
				"image_url": map[string]any{
					"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64),
				},
			})
		}
		messages = append(messages, map[string]any{"role": m.Role, "content": parts})
	}
	body["messages"] = messages

	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	maxTokens := req.MaxTokens
	if hasImages && (maxTokens == 0 || maxTokens > visionMaxTokens) {
		maxTokens = visionMaxTokens
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	if req.TopP > 0 {
		body["top_p"] = req.TopP
	}
	if req.FrequencyPenalty != 0 {
		body["frequency_penalty"] = req.FrequencyPenalty
	}
	if req.PresencePenalty != 0 {
		body["presence_penalty"] = req.PresencePenalty
	}

	return json.Marshal(body)
}

// buildAnthropic emits the /v1/messages shape: system text travels
// top-level, images as structured source blocks with an explicit media
// type. Frequency and presence penalties are rejected by this API and
// are never sent.
func (d Dialect) buildAnthropic(req *Request) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096 // required field on this API
	}
	body := map[string]any{
		"model":      req.Model,
		"stream":     true,
		"max_tokens": maxTokens,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		body["top_p"] = req.TopP
	}

	var messages []map[string]any
	for _, m := range req.Messages {
		if m.Role == "system" {
			// Folded into the top-level system field by callers;
			// anything left becomes a user turn to keep alternation.
			messages = append(messages, map[string]any{"role": "user", "content": m.Content})
			continue
		}
		if len(m.Images) == 0 {
			messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
			continue
		}
		blocks := []map[string]any{}
		for _, img := range m.Images {
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": img.MimeType,
					"data":       img.Base64,
				},
			})
		}
		blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
		messages = append(messages, map[string]any{"role": m.Role, "content": blocks})
	}
	body["messages"] = messages

	return json.Marshal(body)
}

// buildGoogle emits the streamGenerateContent shape with inline_data
// image parts and a generationConfig block.
func (d Dialect) buildGoogle(req *Request) ([]byte, error) {
	var contents []map[string]any
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		parts := []map[string]any{}
		if m.Content != "" {
			parts = append(parts, map[string]any{"text": m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, map[string]any{
				"inline_data": map[string]any{
					"mime_type": img.MimeType,
					"data":      img.Base64,
				},
			})
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	body := map[string]any{"contents": contents}
	if req.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}
	config := map[string]any{}
	if req.Temperature > 0 {
		config["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		config["maxOutputTokens"] = req.MaxTokens
	}
	if req.TopP > 0 {
		config["topP"] = req.TopP
	}
	if len(config) > 0 {
		body["generationConfig"] = config
	}

	return json.Marshal(body)
}

// buildOllama emits the /api/chat shape. Images are a parallel array
// of raw base64 strings on each message, no data-URL prefix and no
// media type. Penalty parameters are not supported.
func (d Dialect) buildOllama(req *Request) ([]byte, error) {
	var messages []map[string]any
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role, "content": m.Content}
		if len(m.Images) > 0 {
			images := make([]string, len(m.Images))
			for i, img := range m.Images {
				images[i] = img.Base64
			}
			msg["images"] = images
		}
		messages = append(messages, msg)
	}

	body := map[string]any{
		"model":    req.Model,
		"stream":   true,
		"messages": messages,
	}
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		body["options"] = options
	}

	return json.Marshal(body)
}

// parseEvent decodes one stream payload into an incremental event.
// Each dialect has its own envelope; unknown shapes yield an empty
// event rather than an error so callers can skip them.
func (d Dialect) parseEvent(payload []byte) (event, error) {
	switch d {
	case DialectAnthropic:
		return parseAnthropicEvent(payload)
	case DialectGoogleNative:
		return parseGoogleEvent(payload)
	case DialectOllama:
		return parseOllamaEvent(payload)
	default:
		return parseOpenAIEvent(payload)
	}
}

// event is one decoded increment from the provider stream.
type event struct {
	Text         string
	FinishReason string
	Done         bool
	Err          error
}

func parseOpenAIEvent(payload []byte) (event, error) {
	var envelope struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Error *errorDetail `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return event{}, err
	}
	if envelope.Error != nil {
		return event{Err: fmt.Errorf("provider error: %s", envelope.Error.text())}, nil
	}
	if len(envelope.Choices) == 0 {
		return event{}, nil
	}
	choice := envelope.Choices[0]
	return event{Text: choice.Delta.Content, FinishReason: choice.FinishReason}, nil
}

func parseAnthropicEvent(payload []byte) (event, error) {
	var envelope struct {
		Type  string `json:"type"`
		Delta struct {
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Error *errorDetail `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return event{}, err
	}
	switch envelope.Type {
	case "error":
		return event{Err: fmt.Errorf("provider error: %s", envelope.Error.text())}, nil
	case "content_block_delta":
		return event{Text: envelope.Delta.Text}, nil
	case "message_delta":
		reason := envelope.Delta.StopReason
		if reason == "max_tokens" {
			reason = "length"
		}
		return event{FinishReason: reason}, nil
	case "message_stop":
		return event{Done: true}, nil
	}
	return event{}, nil
}

func parseGoogleEvent(payload []byte) (event, error) {
	var envelope struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		Error *errorDetail `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return event{}, err
	}
	if envelope.Error != nil {
		return event{Err: fmt.Errorf("provider error: %s", envelope.Error.text())}, nil
	}
	if len(envelope.Candidates) == 0 {
		return event{}, nil
	}
	candidate := envelope.Candidates[0]
	var text string
	for _, p := range candidate.Content.Parts {
		text += p.Text
	}
	reason := candidate.FinishReason
	switch reason {
	case "MAX_TOKENS":
		reason = "length"
	case "SAFETY":
		reason = "content_filter"
	case "STOP":
		reason = ""
	}
	return event{Text: text, FinishReason: reason}, nil
}

func parseOllamaEvent(payload []byte) (event, error) {
	var envelope struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Done  bool   `json:"done"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return event{}, err
	}
	if envelope.Error != "" {
		return event{Err: fmt.Errorf("provider error: %s", envelope.Error)}, nil
	}
	return event{Text: envelope.Message.Content, Done: envelope.Done}, nil
}
