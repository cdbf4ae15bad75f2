package ai

import (
	"strings"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// CategoryGuess is the categorizer's suggestion
type CategoryGuess struct {
	Category   entity.Category
	Confidence float64
	Method     string
}

type keywordSet struct {
	category entity.Category
	words    []string
}

// Checked in order: multi-word client phrases must win over "dinner".
var keywordMap = []keywordSet{
	{entity.CategoryClientEntertainment, []string{"client dinner", "client meeting", "client entertainment", "client event", "business dinner", "networking"}},
	{entity.CategoryAccommodation, []string{"hotel", "marriott", "hilton", "airbnb", "lodging", "motel", "resort"}},
	{entity.CategoryTravel, []string{"flight", "airline", "plane", "travel", "delta", "united", "southwest", "jetblue", "american airlines"}},
	{entity.CategoryTransportation, []string{"uber", "lyft", "taxi", "cab", "parking", "gas", "fuel", "metro", "subway", "train", "bus", "toll"}},
	{entity.CategoryMeals, []string{"lunch", "dinner", "breakfast", "food", "restaurant", "coffee", "chipotle", "starbucks", "meal", "cafeteria", "catering"}},
	{entity.CategorySoftware, []string{"adobe", "slack", "zoom", "subscription", "saas", "cloud", "aws", "azure", "github", "jira", "license", "hosting"}},
	{entity.CategoryEquipment, []string{"laptop", "monitor", "keyboard", "mouse", "computer", "dell", "server", "printer", "hardware", "macbook"}},
	{entity.CategoryTraining, []string{"course", "training", "conference", "workshop", "udemy", "coursera", "seminar", "certification", "registration"}},
	{entity.CategoryOfficeSupplies, []string{"staples", "office", "paper", "pen", "supplies", "toner", "ink", "binder", "notepad"}},
}

type amountHint struct {
	low, high float64
	category  entity.Category
}

var amountHints = []amountHint{
	{0, 80, entity.CategoryMeals},
	{80, 200, entity.CategoryOfficeSupplies},
	{150, 500, entity.CategorySoftware},
	{200, 900, entity.CategoryTravel},
	{500, 5000, entity.CategoryEquipment},
}

// Categorize guesses a category from merchant and description text, then from amount
func Categorize(exp *entity.Expense) CategoryGuess {
	text := strings.ToLower(exp.Description + " " + exp.Merchant)
	if strings.TrimSpace(text) != "" {
		if c, ok := matchKeywords(text); ok {
			return CategoryGuess{Category: c, Confidence: 0.85, Method: "keyword_match"}
		}
	}

	amount := exp.Amount()
	for _, h := range amountHints {
		if amount >= h.low && amount <= h.high {
			return CategoryGuess{Category: h.category, Confidence: 0.4, Method: "heuristic_amount"}
		}
	}
	return CategoryGuess{Category: entity.CategoryMiscellaneous, Confidence: 0.2, Method: "heuristic_default"}
}

func matchKeywords(text string) (entity.Category, bool) {
	for _, set := range keywordMap {
		for _, w := range set.words {
			if strings.Contains(text, w) {
				return set.category, true
			}
		}
	}
	return "", false
}

// KeywordHits counts keyword matches per category, used by the text parser fallback
func KeywordHits(text string) (entity.Category, int) {
	text = strings.ToLower(text)
	var best entity.Category
	bestHits := 0
	for _, set := range keywordMap {
		hits := 0
		for _, w := range set.words {
			if strings.Contains(text, w) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = set.category, hits
		}
	}
	return best, bestHits
}
