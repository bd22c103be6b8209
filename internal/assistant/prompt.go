package assistant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"places-agent/internal/domain"
)

func buildQuestionMessages(prefs domain.Preferences, history []domain.ChatMessage) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildQuestionPrompt(prefs)},
	}
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, m)
	}
	return messages
}

func buildQuestionPrompt(prefs domain.Preferences) string {
	return strings.Join([]string{
		"Role:",
		"You are a guessing-game style assistant that helps the user find a place to go in their city.",
		"",
		"Task:",
		"1) Ask leading questions that uncover what the user wants.",
		"2) Take the preferences already collected into account and do not ask about them again.",
		"3) Narrow down gradually: kind of place, price level, atmosphere, time of the visit.",
		"4) Ask at most one or two questions at a time.",
		"5) Keep a friendly, concise tone.",
		"",
		"Once three or four criteria are known, suggest searching for places.",
		"",
		"Current preferences:",
		describePreferences(prefs),
	}, "\n")
}

func describePreferences(p domain.Preferences) string {
	unknown := func(v string) string {
		if v == "" {
			return "unknown"
		}
		return v
	}
	location := "unknown"
	if p.Location != nil {
		location = fmt.Sprintf("%.4f, %.4f", p.Location.Lat, p.Location.Lon)
	}
	reqs := "none"
	if len(p.SpecificRequirements) > 0 {
		reqs = strings.Join(p.SpecificRequirements, "; ")
	}
	return strings.Join([]string{
		"- Location: " + location,
		"- Category: " + unknown(string(p.Category)),
		"- Price range: " + unknown(string(p.PriceRange)),
		"- Time: " + unknown(string(p.TimePreference)),
		"- Activity type: " + unknown(string(p.ActivityType)),
		"- Specific requirements: " + reqs,
	}, "\n")
}

func buildAnalysisMessages(text string, current domain.Preferences) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: buildAnalysisPrompt(current)},
		{Role: "user", Content: text},
	}
}

func buildAnalysisPrompt(current domain.Preferences) string {
	return strings.Join([]string{
		"Analyze the user's answer and extract their preferences for finding a place.",
		"",
		"Return JSON only, with any of these keys:",
		"{",
		`  "category": "` + joinEnum(domain.Categories()) + `",`,
		`  "price_range": "` + joinEnum(domain.PriceRanges()) + `",`,
		`  "activity_type": "` + joinEnum(domain.ActivityTypes()) + `",`,
		`  "time_preference": "` + joinEnum(domain.TimePreferences()) + `",`,
		`  "specific_requirements": ["list", "of", "specific", "requirements"]`,
		"}",
		"",
		"Include only the keys that can be determined from this answer.",
		"Known so far:",
		describePreferences(current),
	}, "\n")
}

func joinEnum[T ~string](vals []T) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = string(v)
	}
	return strings.Join(parts, "|")
}

// parsePreferenceUpdate reads the model's JSON answer. Only a response that
// is not a JSON object is an error; individual fields with unknown values
// or the wrong type are dropped.
func parsePreferenceUpdate(raw string) (domain.PreferenceUpdate, error) {
	body := stripCodeFence(raw)
	if !gjson.Valid(body) {
		return domain.PreferenceUpdate{}, errors.New("decode preference update: invalid JSON")
	}
	doc := gjson.Parse(body)
	if !doc.IsObject() {
		return domain.PreferenceUpdate{}, errors.New("decode preference update: not a JSON object")
	}

	var u domain.PreferenceUpdate
	if v, ok := domain.ParseCategory(stringField(doc, "category")); ok {
		u.Category = v
	}
	if v, ok := domain.ParsePriceRange(stringField(doc, "price_range")); ok {
		u.PriceRange = v
	}
	if v, ok := domain.ParseActivityType(stringField(doc, "activity_type")); ok {
		u.ActivityType = v
	}
	if v, ok := domain.ParseTimePreference(stringField(doc, "time_preference")); ok {
		u.TimePreference = v
	}

	reqs := doc.Get("specific_requirements")
	switch {
	case reqs.IsArray():
		for _, r := range reqs.Array() {
			if r.Type == gjson.String {
				if s := strings.TrimSpace(r.String()); s != "" {
					u.SpecificRequirements = append(u.SpecificRequirements, s)
				}
			}
		}
	case reqs.Type == gjson.String:
		if s := strings.TrimSpace(reqs.String()); s != "" {
			u.SpecificRequirements = []string{s}
		}
	}
	return u, nil
}

func stringField(doc gjson.Result, key string) string {
	v := doc.Get(key)
	if v.Type != gjson.String {
		return ""
	}
	return v.String()
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
