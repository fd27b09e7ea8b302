package services

import (
	"sort"
	"strings"
)

// --- STATIC DICTIONARY ---
// Fallback categories for providers that ship no taxonomy of their own
// (Enable Banking, GoCardless). Never used to decide debit or credit.
var staticRules = map[string]string{
	// ENERGIE
	"edf": "ENERGY", "engie": "ENERGY", "totalenergies": "ENERGY", "eni": "ENERGY",
	"veolia": "ENERGY", "suez": "ENERGY", "vattenfall": "ENERGY", "octopus energy": "ENERGY",

	// TELECOM
	"orange": "INTERNET", "sosh": "MOBILE", "sfr": "INTERNET", "red by sfr": "MOBILE",
	"bouygues": "INTERNET", "free mobile": "MOBILE", "vodafone": "MOBILE", "telia": "INTERNET",

	// ASSURANCE
	"axa": "INSURANCE", "allianz": "INSURANCE", "macif": "INSURANCE", "maif": "INSURANCE",
	"matmut": "INSURANCE", "groupama": "INSURANCE", "alan": "INSURANCE",

	// LOISIRS
	"netflix": "LEISURE", "spotify": "LEISURE", "deezer": "LEISURE", "disney": "LEISURE",
	"prime video": "LEISURE", "basic fit": "LEISURE", "fitness park": "LEISURE",

	// ALIMENTATION
	"leclerc": "FOOD", "carrefour": "FOOD", "auchan": "FOOD", "intermarche": "FOOD",
	"lidl": "FOOD", "aldi": "FOOD", "monoprix": "FOOD", "franprix": "FOOD", "uber eats": "FOOD",
	"rewe": "FOOD", "albert heijn": "FOOD", "ica": "FOOD",

	// TRANSPORT
	"sncf": "TRANSPORT", "ratp": "TRANSPORT", "uber": "TRANSPORT", "bolt": "TRANSPORT",
	"shell": "TRANSPORT", "vinci": "TRANSPORT", "deutsche bahn": "TRANSPORT",
}

// ruleKeys is staticRules' keys, longest first, so "uber eats" wins over "uber".
var ruleKeys = func() []string {
	keys := make([]string, 0, len(staticRules))
	for k := range staticRules {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}()

// Categorize returns the static category for a label, or "" when no rule
// matches. Short keys only match whole words.
func Categorize(rawLabel string) string {
	label := strings.ToLower(strings.TrimSpace(rawLabel))
	if label == "" {
		return ""
	}
	if category, ok := staticRules[label]; ok {
		return category
	}
	words := " " + strings.Join(strings.FieldsFunc(label, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}), " ") + " "
	for _, key := range ruleKeys {
		if strings.Contains(words, " "+key+" ") {
			return staticRules[key]
		}
	}
	return ""
}
