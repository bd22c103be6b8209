package domain

import "time"

// SearchRecord is one completed places search, kept for analytics.
type SearchRecord struct {
	SearchID    string
	UserID      UserID
	Preferences Preferences
	Location    *Location
	ResultCount int
	PlaceIDs    []string
	CreatedAt   time.Time
}
