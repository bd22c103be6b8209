package domain

// Location is a latitude/longitude pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a single search result from the places directory.
type Place struct {
	ID           string
	Name         string
	Address      string
	Rating       *float64
	ReviewsCount *int
	Categories   []string
	Point        Location
	WorkingHours string
	Phone        string
	Website      string
	PhotoURL     string
}

// ClonePlaces returns a deep copy of places.
func ClonePlaces(places []Place) []Place {
	if places == nil {
		return nil
	}
	out := make([]Place, len(places))
	for i, p := range places {
		if p.Rating != nil {
			r := *p.Rating
			p.Rating = &r
		}
		if p.ReviewsCount != nil {
			n := *p.ReviewsCount
			p.ReviewsCount = &n
		}
		p.Categories = append([]string(nil), p.Categories...)
		out[i] = p
	}
	return out
}
