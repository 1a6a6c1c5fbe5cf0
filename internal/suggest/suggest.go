package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Mode selects the kind of suggestions to generate.
type Mode string

const (
	ModeAutoComplete      Mode = "auto_complete"
	ModeShoppingList      Mode = "shopping_list"
	ModeRecipeIngredients Mode = "recipe_ingredients"
)

var (
	// ErrEmptyQuery indicates a blank suggestion query.
	ErrEmptyQuery = errors.New("suggest: query must not be empty")
	// ErrUnsupportedMode indicates an unknown suggestion mode.
	ErrUnsupportedMode = errors.New("suggest: unsupported mode")
)

// Request describes one suggestion call.
type Request struct {
	Mode          Mode
	Query         string
	ExistingItems []string
	History       []string
}

// Suggestion is one proposed shopping entry. Quantity and Category are only
// populated for the list and recipe modes.
type Suggestion struct {
	Text     string `json:"text"`
	Quantity string `json:"quantity,omitempty"`
	Category string `json:"category,omitempty"`
}

// Response carries the generated suggestions. IsDemo marks the deterministic
// fallback used when no generator is configured or its output is unusable.
type Response struct {
	Suggestions []Suggestion
	IsDemo      bool
	Message     string
}

// TextGenerator produces model output for a prompt.
type TextGenerator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
	Close() error
}

// ServiceConfig wires the suggestion service. A nil Generator enables demo mode.
type ServiceConfig struct {
	Generator TextGenerator
	Logger    *zap.Logger
}

// Service turns free-form queries into shopping suggestions.
type Service struct {
	generator TextGenerator
	logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{generator: cfg.Generator, logger: logger}
}

// Suggest validates the request and returns suggestions, falling back to the
// deterministic demo set when no generator is configured or the model output
// cannot be parsed.
func (s *Service) Suggest(ctx context.Context, req Request) (Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Response{}, ErrEmptyQuery
	}

	switch req.Mode {
	case ModeAutoComplete, ModeShoppingList, ModeRecipeIngredients:
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnsupportedMode, req.Mode)
	}

	if s.generator == nil {
		return Response{
			Suggestions: demoSuggestions(req.Mode, query),
			IsDemo:      true,
			Message:     "demo mode: configure an AI API key for live suggestions",
		}, nil
	}

	prompt := buildPrompt(req.Mode, query, req.ExistingItems, req.History)
	output, err := s.generator.GenerateContent(ctx, prompt)
	if err != nil {
		s.logger.Warn("suggestion generation failed, serving demo data", zap.Error(err))
		return Response{
			Suggestions: demoSuggestions(req.Mode, query),
			IsDemo:      true,
			Message:     "AI service unavailable, showing demo suggestions",
		}, nil
	}

	suggestions, err := parseSuggestions(req.Mode, output)
	if err != nil {
		s.logger.Warn("unparsable model output, serving demo data",
			zap.Error(err), zap.String("output", output))
		return Response{
			Suggestions: demoSuggestions(req.Mode, query),
			IsDemo:      true,
			Message:     "could not parse AI response, showing demo suggestions",
		}, nil
	}

	return Response{Suggestions: suggestions}, nil
}

// Close releases the underlying generator, if any.
func (s *Service) Close() error {
	if s.generator == nil {
		return nil
	}
	return s.generator.Close()
}

func buildPrompt(mode Mode, query string, existing, history []string) string {
	var b strings.Builder
	switch mode {
	case ModeAutoComplete:
		b.WriteString("You are a shopping list assistant. Propose 3-5 relevant grocery items for the user's query. ")
		b.WriteString("Respond with ONLY a JSON array of item name strings, e.g. [\"milk\",\"bread\",\"eggs\"].\n")
		fmt.Fprintf(&b, "Query: %q\n", query)
		if len(existing) > 0 {
			fmt.Fprintf(&b, "Already on the list: %s\n", strings.Join(existing, ", "))
		}
		if len(history) > 0 {
			fmt.Fprintf(&b, "Purchase history: %s\n", strings.Join(history, ", "))
		}
	case ModeShoppingList:
		b.WriteString("You are a shopping list assistant. Build a complete shopping list from the description. ")
		b.WriteString("Respond with ONLY a JSON array of objects with \"text\" and \"category\" fields.\n")
		fmt.Fprintf(&b, "Build a shopping list for: %q\n", query)
		if len(history) > 0 {
			fmt.Fprintf(&b, "Preferences from history: %s\n", strings.Join(history, ", "))
		}
	case ModeRecipeIngredients:
		b.WriteString("You are a cooking assistant. List the ingredients for the dish, with exact quantities where possible. ")
		b.WriteString("Respond with ONLY a JSON array of objects with \"text\", \"quantity\" and \"category\" fields.\n")
		fmt.Fprintf(&b, "Ingredients for: %q\n", query)
	}
	return b.String()
}

func parseSuggestions(mode Mode, output string) ([]Suggestion, error) {
	trimmed := strings.TrimSpace(output)
	// Models tend to wrap JSON in markdown fences.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	if mode == ModeAutoComplete {
		var names []string
		if err := json.Unmarshal([]byte(trimmed), &names); err != nil {
			return nil, err
		}
		suggestions := make([]Suggestion, 0, len(names))
		for _, name := range names {
			if strings.TrimSpace(name) == "" {
				continue
			}
			suggestions = append(suggestions, Suggestion{Text: strings.TrimSpace(name)})
		}
		return suggestions, nil
	}

	var suggestions []Suggestion
	if err := json.Unmarshal([]byte(trimmed), &suggestions); err != nil {
		return nil, err
	}
	filtered := suggestions[:0]
	for _, suggestion := range suggestions {
		if strings.TrimSpace(suggestion.Text) == "" {
			continue
		}
		filtered = append(filtered, suggestion)
	}
	return filtered, nil
}
