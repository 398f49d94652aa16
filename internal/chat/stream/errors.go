package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Category buckets a provider failure into user-facing guidance.
type Category string

const (
	CategoryBadRequest     Category = "bad_request"
	CategoryAuth           Category = "auth"
	CategoryPayment        Category = "payment"
	CategoryPermission     Category = "permission"
	CategoryModelNotFound  Category = "model_not_found"
	CategoryNoVision       Category = "vision_unsupported"
	CategoryNotFound       Category = "not_found"
	CategoryRateLimit      Category = "rate_limit"
	CategoryContextLength  Category = "context_length"
	CategoryServerError    Category = "server_error"
	CategoryGatewayTimeout Category = "gateway_timeout"
	CategoryUnknown        Category = "unknown"
)

// APIError is a classified non-2xx provider response.
type APIError struct {
	Status   int
	Category Category
	Message  string
}

func (e *APIError) Error() string {
	switch e.Category {
	case CategoryBadRequest:
		return fmt.Sprintf("the provider rejected the request (check the model id): %s", e.Message)
	case CategoryAuth:
		return "authentication failed: check your API key"
	case CategoryPayment:
		return "payment required or quota exhausted: check your provider billing"
	case CategoryPermission:
		return "your API key does not have access to this model"
	case CategoryModelNotFound:
		return fmt.Sprintf("model not found: %s", e.Message)
	case CategoryNoVision:
		return "this model does not support images: remove attachments or switch models"
	case CategoryNotFound:
		return "endpoint not found: check the provider base URL"
	case CategoryRateLimit:
		return "rate limited: wait a moment and try again"
	case CategoryContextLength:
		return "the conversation exceeds the model's context window: start a new conversation or enable summarization"
	case CategoryGatewayTimeout:
		return "the provider gateway timed out: try again"
	case CategoryServerError:
		return fmt.Sprintf("the provider had an internal error (%d): try again shortly", e.Status)
	default:
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
}

// errorDetail is the best-effort decode of provider error payloads.
// Every field is optional; shapes differ per provider.
type errorDetail struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

func (d *errorDetail) text() string {
	if d == nil {
		return "unknown error"
	}
	if d.Message != "" {
		return d.Message
	}
	if d.Type != "" {
		return d.Type
	}
	return "unknown error"
}

// decodeErrorBody pulls a human-readable message out of a non-2xx
// body, falling back to the raw text when no known shape matches.
func decodeErrorBody(body []byte) string {
	var wrapped struct {
		Error *errorDetail `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil {
		return wrapped.Error.text()
	}
	var flat errorDetail
	if err := json.Unmarshal(body, &flat); err == nil && flat.Message != "" {
		return flat.Message
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "no error details"
	}
	return text
}

// classifyStatus maps a non-2xx status and its body to an APIError.
// 404s are disambiguated by message text: a missing model and an
// unsupported vision request both surface as 404 on some providers.
func classifyStatus(status int, body []byte) *APIError {
	message := decodeErrorBody(body)
	lower := strings.ToLower(message)

	category := CategoryUnknown
	switch {
	case status == 400:
		if strings.Contains(lower, "context length") || strings.Contains(lower, "context window") ||
			strings.Contains(lower, "maximum context") || strings.Contains(lower, "too many tokens") {
			category = CategoryContextLength
		} else {
			category = CategoryBadRequest
		}
	case status == 401:
		category = CategoryAuth
	case status == 402:
		category = CategoryPayment
	case status == 403:
		category = CategoryPermission
	case status == 404:
		switch {
		case strings.Contains(lower, "vision") || strings.Contains(lower, "image"):
			category = CategoryNoVision
		case strings.Contains(lower, "model"):
			category = CategoryModelNotFound
		default:
			category = CategoryNotFound
		}
	case status == 429:
		// OpenAI reports an exhausted balance as a 429 with an
		// insufficient_quota body, not a 402.
		if strings.Contains(lower, "quota") || strings.Contains(lower, "billing") {
			category = CategoryPayment
		} else {
			category = CategoryRateLimit
		}
	case status == 504:
		category = CategoryGatewayTimeout
	case status >= 500:
		category = CategoryServerError
	}

	return &APIError{Status: status, Category: category, Message: message}
}
