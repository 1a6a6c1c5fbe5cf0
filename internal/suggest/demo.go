package suggest

import "strings"

// demoSuggestions returns the deterministic fallback sets keyed by a few
// common query stems.
func demoSuggestions(mode Mode, query string) []Suggestion {
	lower := strings.ToLower(query)

	switch mode {
	case ModeAutoComplete:
		switch {
		case strings.Contains(lower, "milk") || strings.Contains(lower, "dairy"):
			return textOnly("milk", "yogurt", "cottage cheese", "sour cream")
		case strings.Contains(lower, "bread") || strings.Contains(lower, "baking"):
			return textOnly("white bread", "rye bread", "baguette", "buns")
		case strings.Contains(lower, "vegetable") || strings.Contains(lower, "salad"):
			return textOnly("tomatoes", "cucumbers", "onions", "carrots", "cabbage")
		default:
			return textOnly("bread", "milk", "eggs", "butter")
		}

	case ModeShoppingList:
		switch {
		case strings.Contains(lower, "borscht"):
			return []Suggestion{
				{Text: "beets", Category: "vegetables"},
				{Text: "cabbage", Category: "vegetables"},
				{Text: "carrots", Category: "vegetables"},
				{Text: "onions", Category: "vegetables"},
				{Text: "beef", Category: "meat"},
				{Text: "tomato paste", Category: "canned"},
				{Text: "sour cream", Category: "dairy"},
			}
		case strings.Contains(lower, "breakfast") || strings.Contains(lower, "morning"):
			return []Suggestion{
				{Text: "eggs", Category: "staples"},
				{Text: "bread", Category: "bakery"},
				{Text: "butter", Category: "dairy"},
				{Text: "coffee", Category: "drinks"},
				{Text: "milk", Category: "dairy"},
			}
		default:
			return []Suggestion{
				{Text: "bread", Category: "staples"},
				{Text: "milk", Category: "dairy"},
				{Text: "eggs", Category: "staples"},
			}
		}

	case ModeRecipeIngredients:
		switch {
		case strings.Contains(lower, "omelet"):
			return []Suggestion{
				{Text: "eggs", Quantity: "3", Category: "staples"},
				{Text: "milk", Quantity: "50 ml", Category: "dairy"},
				{Text: "butter", Quantity: "1 tbsp", Category: "dairy"},
				{Text: "salt", Quantity: "to taste", Category: "spices"},
			}
		case strings.Contains(lower, "pasta") || strings.Contains(lower, "spaghetti"):
			return []Suggestion{
				{Text: "spaghetti", Quantity: "400 g", Category: "pasta"},
				{Text: "ground beef", Quantity: "300 g", Category: "meat"},
				{Text: "tomatoes", Quantity: "400 g", Category: "vegetables"},
				{Text: "parmesan", Quantity: "50 g", Category: "dairy"},
			}
		default:
			return []Suggestion{
				{Text: "main ingredient", Quantity: "as needed", Category: "staples"},
				{Text: "salt", Quantity: "to taste", Category: "spices"},
				{Text: "oil", Quantity: "2 tbsp", Category: "staples"},
			}
		}
	}
	return nil
}

func textOnly(names ...string) []Suggestion {
	suggestions := make([]Suggestion, 0, len(names))
	for _, name := range names {
		suggestions = append(suggestions, Suggestion{Text: name})
	}
	return suggestions
}
