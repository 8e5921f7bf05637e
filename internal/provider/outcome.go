package provider

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Outcome is the normalized result of an upstream hash verification.
type Outcome int

const (
	OutcomeUnrecognized Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeInvalidCredential
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeInvalidCredential:
		return "invalid_credential"
	default:
		return "unrecognized"
	}
}

type structuredResponse struct {
	Status  json.RawMessage `json:"status"`
	Message string          `json:"message"`
}

// parseStatus accepts a JSON boolean or its string form.
func parseStatus(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, false
	}
	switch {
	case strings.EqualFold(strings.TrimSpace(s), "true"):
		return true, true
	case strings.EqualFold(strings.TrimSpace(s), "false"):
		return false, true
	default:
		return false, false
	}
}

// Normalize maps both the structured JSON shape and the legacy plain-text
// sentinels onto a single Outcome.
func Normalize(body []byte) Outcome {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return OutcomeUnrecognized
	}
	if trimmed[0] == '{' {
		var resp structuredResponse
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return OutcomeUnrecognized
		}
		status, ok := parseStatus(resp.Status)
		if !ok {
			return OutcomeUnrecognized
		}
		if status {
			return OutcomeSuccess
		}
		if isInvalidCredential(resp.Message) {
			return OutcomeInvalidCredential
		}
		return OutcomeFailure
	}
	text := string(trimmed)
	if unquoted := strings.Trim(text, `"`); unquoted != text {
		text = unquoted
	}
	switch {
	case strings.EqualFold(text, "true"):
		return OutcomeSuccess
	case strings.EqualFold(text, "false"):
		return OutcomeFailure
	case isInvalidCredential(text):
		return OutcomeInvalidCredential
	default:
		return OutcomeUnrecognized
	}
}

func isInvalidCredential(msg string) bool {
	msg = strings.ToLower(strings.TrimSpace(msg))
	msg = strings.TrimSuffix(msg, ".")
	return msg == "invalid token" || msg == "invalid api token"
}
