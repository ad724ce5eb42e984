package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/review-insights-bot/internal/models"
)

// Bounds applied after validation. Providers occasionally drift outside them.
const (
	MinSentiment = -100
	MaxSentiment = 100
	MinFrequency = 1
	MaxFrequency = 50
)

// ErrEmptyResponse is returned when the provider produced no text at all
var ErrEmptyResponse = errors.New("empty response")

// Parse validates raw provider output against Analysis and returns the typed result.
// Unknown fields are ignored. Every failure is a *models.MalformedResponseError.
func Parse(raw string) (*models.AnalysisResult, error) {
	content := CleanJSON(raw)
	if content == "" {
		return nil, &models.MalformedResponseError{Raw: raw, Err: ErrEmptyResponse}
	}

	decoder := json.NewDecoder(strings.NewReader(content))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, &models.MalformedResponseError{Raw: raw, Err: fmt.Errorf("invalid JSON: %w", err)}
	}

	normalized, err := conform(Analysis, value, "$")
	if err != nil {
		return nil, &models.MalformedResponseError{Raw: raw, Err: err}
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, &models.MalformedResponseError{Raw: raw, Err: fmt.Errorf("failed to re-encode result: %w", err)}
	}

	var result models.AnalysisResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &models.MalformedResponseError{Raw: raw, Err: fmt.Errorf("failed to decode result: %w", err)}
	}

	clampRanges(&result)
	return &result, nil
}

// CleanJSON strips markdown code fences and any prose around the outermost JSON object
func CleanJSON(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```JSON")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start > 0 && end > start {
		content = content[start : end+1]
	}

	return content
}

// conform checks value against node and returns a copy limited to declared fields
func conform(node *Node, value any, path string) (any, error) {
	switch node.Type {
	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: expected object, got %s", path, describe(value))
		}
		for _, name := range node.Required {
			if _, present := obj[name]; !present {
				return nil, fmt.Errorf("%s: missing required field %q", path, name)
			}
		}
		out := make(map[string]any, len(node.Properties))
		for _, p := range node.Properties {
			child, present := obj[p.Name]
			if !present {
				continue
			}
			normalized, err := conform(p.Node, child, path+"."+p.Name)
			if err != nil {
				return nil, err
			}
			out[p.Name] = normalized
		}
		return out, nil

	case TypeArray:
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%s: expected array, got %s", path, describe(value))
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			normalized, err := conform(node.Items, item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out = append(out, normalized)
		}
		return out, nil

	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%s: expected string, got %s", path, describe(value))
		}
		if len(node.Enum) > 0 && !contains(node.Enum, s) {
			return nil, fmt.Errorf("%s: %q is not one of %s", path, s, strings.Join(node.Enum, ", "))
		}
		return s, nil

	case TypeInteger:
		num, ok := value.(json.Number)
		if !ok {
			return nil, fmt.Errorf("%s: expected integer, got %s", path, describe(value))
		}
		f, err := num.Float64()
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("%s: invalid number %q", path, num.String())
		}
		return int64(math.Round(saturate(f))), nil

	default:
		return nil, fmt.Errorf("%s: unsupported schema type %s", path, node.Type)
	}
}

// saturate bounds f to the int32 range so the integer conversion cannot wrap.
// clampRanges narrows it to the field's own bounds afterwards.
func saturate(f float64) float64 {
	return math.Max(math.MinInt32, math.Min(math.MaxInt32, f))
}

func clampRanges(result *models.AnalysisResult) {
	for i := range result.SentimentTrend {
		result.SentimentTrend[i].Sentiment = clamp(result.SentimentTrend[i].Sentiment, MinSentiment, MaxSentiment)
	}
	for i := range result.WordCloud {
		result.WordCloud[i].Value = clamp(result.WordCloud[i].Value, MinFrequency, MaxFrequency)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func describe(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", value)
	}
}
