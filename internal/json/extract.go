// Package json provides JSON extraction utilities for parsing LLM responses.
//
// LLMs often return JSON embedded in text or with additional commentary.
// This package provides utilities to extract and parse JSON from such
// responses. Payload generation deals in both objects and arrays, so both
// forms are recognized.
package json

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON finds and returns the JSON portion of a response string.
// It handles common LLM response patterns:
// 1. Pure JSON response - returns the full response
// 2. JSON wrapped in markdown code blocks (```json ... ```)
// 3. JSON object or array embedded in text - finds the outermost delimiters
//
// Limitations:
// - Uses simple delimiter matching, not full JSON parsing
// - May fail if delimiters appear in strings or are unbalanced
func extractJSON(response string) (string, error) {
	// Strip markdown code blocks if present
	response = stripMarkdownCodeBlocks(response)

	// Try full response first
	var test interface{}
	if err := json.Unmarshal([]byte(response), &test); err == nil {
		return response, nil
	}

	// Try the outermost object or array, whichever opens first. An array of
	// objects must not be mistaken for its first element.
	objStart := strings.IndexByte(response, '{')
	arrStart := strings.IndexByte(response, '[')
	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		if extracted, ok := extractDelimited(response, '[', ']'); ok {
			return extracted, nil
		}
		if extracted, ok := extractDelimited(response, '{', '}'); ok {
			return extracted, nil
		}
	} else {
		if extracted, ok := extractDelimited(response, '{', '}'); ok {
			return extracted, nil
		}
		if extracted, ok := extractDelimited(response, '[', ']'); ok {
			return extracted, nil
		}
	}

	// Create a preview for the error message
	preview := response
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	return "", fmt.Errorf("failed to extract valid JSON from response: %q", preview)
}

// extractDelimited tries the substring between the first open delimiter and
// the last close delimiter.
func extractDelimited(response string, open, close byte) (string, bool) {
	start := strings.IndexByte(response, open)
	if start == -1 {
		return "", false
	}
	end := strings.LastIndexByte(response, close)
	if end == -1 || end <= start {
		return "", false
	}
	candidate := response[start : end+1]
	var test interface{}
	if err := json.Unmarshal([]byte(candidate), &test); err != nil {
		return "", false
	}
	return candidate, true
}

// stripMarkdownCodeBlocks removes markdown code block markers from a response.
// Handles patterns like ```json\n...\n``` or ```\n...\n```
func stripMarkdownCodeBlocks(response string) string {
	trimmed := strings.TrimSpace(response)

	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSpace(trimmed)
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	return trimmed
}

// ExtractJSONFromResponse extracts and parses JSON from an LLM response.
// Returns the parsed value or an error if extraction fails.
func ExtractJSONFromResponse[T any](response string) (T, error) {
	var result T
	jsonStr, err := extractJSON(response)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return result, nil
}

// ExtractJSON extracts the JSON portion from a response string.
// Returns the raw JSON string suitable for further processing.
func ExtractJSON(response string) (string, error) {
	return extractJSON(response)
}

// ExtractArray extracts a JSON array from a response and returns its
// elements as raw messages. Providers forced into json_object mode wrap
// arrays in an object ({"items": [...]}), so an object whose sole array
// field holds the items is unwrapped. Anything else is an error; callers
// that need an exact item count check it themselves.
func ExtractArray(response string) ([]json.RawMessage, error) {
	jsonStr, err := extractJSON(response)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &items); err == nil {
		return items, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &wrapper); err != nil {
		return nil, fmt.Errorf("response JSON is not an array: %w", err)
	}
	var found []json.RawMessage
	count := 0
	for _, raw := range wrapper {
		var inner []json.RawMessage
		if err := json.Unmarshal(raw, &inner); err == nil {
			found = inner
			count++
		}
	}
	if count != 1 {
		return nil, fmt.Errorf("response JSON is not an array (object with %d array fields)", count)
	}
	return found, nil
}
