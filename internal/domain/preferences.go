package domain

import "strings"

type Category string

const (
	CategoryRestaurant    Category = "restaurant"
	CategoryCafe          Category = "cafe"
	CategoryEntertainment Category = "entertainment"
	CategorySport         Category = "sport"
	CategoryCulture       Category = "culture"
	CategoryShopping      Category = "shopping"
	CategoryBeauty        Category = "beauty"
	CategoryService       Category = "service"
	CategoryOther         Category = "other"
)

var categories = []Category{
	CategoryRestaurant, CategoryCafe, CategoryEntertainment, CategorySport,
	CategoryCulture, CategoryShopping, CategoryBeauty, CategoryService, CategoryOther,
}

type PriceRange string

const (
	PriceBudget  PriceRange = "budget"
	PriceMid     PriceRange = "mid"
	PricePremium PriceRange = "premium"
)

var priceRanges = []PriceRange{PriceBudget, PriceMid, PricePremium}

type ActivityType string

const (
	ActivityFood          ActivityType = "food"
	ActivityEntertainment ActivityType = "entertainment"
	ActivitySport         ActivityType = "sport"
	ActivityCulture       ActivityType = "culture"
	ActivityShopping      ActivityType = "shopping"
	ActivityLeisure       ActivityType = "leisure"
	ActivityOther         ActivityType = "other"
)

var activityTypes = []ActivityType{
	ActivityFood, ActivityEntertainment, ActivitySport, ActivityCulture,
	ActivityShopping, ActivityLeisure, ActivityOther,
}

type TimePreference string

const (
	TimeMorning   TimePreference = "morning"
	TimeAfternoon TimePreference = "afternoon"
	TimeEvening   TimePreference = "evening"
	TimeNight     TimePreference = "night"
	TimeWeekend   TimePreference = "weekend"
	TimeWeekday   TimePreference = "weekday"
)

var timePreferences = []TimePreference{
	TimeMorning, TimeAfternoon, TimeEvening, TimeNight, TimeWeekend, TimeWeekday,
}

// ReadyThreshold is how many of the five preference signals must be known
// before a search is offered.
const ReadyThreshold = 3

func parseEnum[T ~string](raw string, allowed []T) (T, bool) {
	v := T(strings.ToLower(strings.TrimSpace(raw)))
	for _, a := range allowed {
		if v == a {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// ParseCategory returns the category for raw, or false when raw is not in
// the vocabulary.
func ParseCategory(raw string) (Category, bool) { return parseEnum(raw, categories) }

func ParsePriceRange(raw string) (PriceRange, bool) { return parseEnum(raw, priceRanges) }

func ParseActivityType(raw string) (ActivityType, bool) { return parseEnum(raw, activityTypes) }

func ParseTimePreference(raw string) (TimePreference, bool) { return parseEnum(raw, timePreferences) }

// Categories lists the category vocabulary in display order.
func Categories() []Category { return append([]Category(nil), categories...) }

func PriceRanges() []PriceRange { return append([]PriceRange(nil), priceRanges...) }

func ActivityTypes() []ActivityType { return append([]ActivityType(nil), activityTypes...) }

func TimePreferences() []TimePreference { return append([]TimePreference(nil), timePreferences...) }

// Preferences is the structured intent inferred from the dialogue so far.
// The zero value has every field unset.
type Preferences struct {
	Location             *Location
	Category             Category
	PriceRange           PriceRange
	ActivityType         ActivityType
	TimePreference       TimePreference
	SpecificRequirements []string
}

// PreferenceUpdate carries the fields inferred from a single utterance.
// Empty fields mean "not provided". It has no location: location only
// changes when the user shares it.
type PreferenceUpdate struct {
	Category             Category
	PriceRange           PriceRange
	ActivityType         ActivityType
	TimePreference       TimePreference
	SpecificRequirements []string
}

// IsEmpty reports whether the update would leave any model unchanged.
func (u PreferenceUpdate) IsEmpty() bool {
	return u.Category == "" && u.PriceRange == "" && u.ActivityType == "" &&
		u.TimePreference == "" && len(u.SpecificRequirements) == 0
}

// Merge returns p with u applied: present scalar fields replace the current
// value, requirements are appended in order. p is not modified.
func (p Preferences) Merge(u PreferenceUpdate) Preferences {
	out := p.Clone()
	if u.Category != "" {
		out.Category = u.Category
	}
	if u.PriceRange != "" {
		out.PriceRange = u.PriceRange
	}
	if u.ActivityType != "" {
		out.ActivityType = u.ActivityType
	}
	if u.TimePreference != "" {
		out.TimePreference = u.TimePreference
	}
	if len(u.SpecificRequirements) > 0 {
		reqs := make([]string, 0, len(out.SpecificRequirements)+len(u.SpecificRequirements))
		reqs = append(reqs, out.SpecificRequirements...)
		reqs = append(reqs, u.SpecificRequirements...)
		out.SpecificRequirements = reqs
	}
	return out
}

// Filled counts the known preference signals. Location is not one of them.
func (p Preferences) Filled() int {
	n := 0
	for _, set := range []bool{
		p.Category != "",
		p.PriceRange != "",
		p.ActivityType != "",
		p.TimePreference != "",
		len(p.SpecificRequirements) > 0,
	} {
		if set {
			n++
		}
	}
	return n
}

// ReadyForSearch reports whether enough is known to offer a search.
func (p Preferences) ReadyForSearch() bool {
	return p.Filled() >= ReadyThreshold
}

// Clone returns a copy that shares no memory with p.
func (p Preferences) Clone() Preferences {
	out := p
	if p.Location != nil {
		loc := *p.Location
		out.Location = &loc
	}
	if p.SpecificRequirements != nil {
		out.SpecificRequirements = append([]string(nil), p.SpecificRequirements...)
	}
	return out
}
