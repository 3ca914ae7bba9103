package structure

import (
	"strings"

	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

// categoryRule is one ordered, first-match-wins entry from SPEC_FULL.md §4.3.
type categoryRule struct {
	substrings []string
	category   model.Category
}

var categoryRules = []categoryRule{
	{[]string{"light", "dimmer", "switch"}, model.CategoryLighting},
	{[]string{"jalousie", "blind", "rolladen"}, model.CategoryBlinds},
	{[]string{"roomcontroller", "iroomcontroller", "temperature", "hvac"}, model.CategoryClimate},
	{[]string{"audiozone", "intercom"}, model.CategoryAudio},
	{[]string{"motion", "door", "window", "smoke", "presence"}, model.CategorySensor},
	{[]string{"alarm", "access"}, model.CategorySecurity},
}

// categorize maps a Loxone type string to a Category using the ordered,
// case-insensitive substring rules in SPEC_FULL.md §4.3.
func categorize(typeName string) model.Category {
	lower := strings.ToLower(typeName)
	for _, rule := range categoryRules {
		for _, s := range rule.substrings {
			if strings.Contains(lower, s) {
				return rule.category
			}
		}
	}
	return model.CategoryOther
}
