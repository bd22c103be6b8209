package usecase

import (
	"fmt"
	"html"
	"math"
	"strings"

	"places-agent/internal/domain"
)

// Reply texts are sent with HTML parse mode.
const (
	welcomeTemplate = "🎲 Hi, %s! Welcome to the places guessing game!\n\n" +
		"I'll help you find the perfect place to visit in the city. I'll ask about your preferences " +
		"and then suggest options from the city directory.\n\n" +
		"Share your location so I can find places near you! 📍"

	helpText = "🤖 <b>Places guessing game help</b>\n\n" +
		"I help you find interesting places in the city through a conversation:\n\n" +
		"🎯 <b>How it works:</b>\n" +
		"1. Run /start\n" +
		"2. Share your location (optional)\n" +
		"3. Answer my questions about your preferences\n" +
		"4. Get personal place recommendations\n\n" +
		"📍 <b>Commands:</b>\n" +
		"/start - Start a new search\n" +
		"/help - Show this help\n\n" +
		"🔍 <b>What I take into account:</b>\n" +
		"• Kind of place (restaurant, entertainment, shops)\n" +
		"• Price range\n" +
		"• Time of the visit\n" +
		"• Your location\n" +
		"• Special wishes\n\n" +
		"Just talk to me naturally, I'll understand! 😊"

	firstQuestionFallback = "What would you like to find? A restaurant, entertainment, shops or something else?"
	moreQuestionsFallback = "Tell me more about your preferences!"
	genericFailure        = "Sorry, something went wrong. Could you repeat?"
	moderationRefusal     = "Sorry, I can't help with that. Tell me what kind of place you are looking for."
	noResultsText         = "😔 Unfortunately I couldn't find matching places. Try changing the search criteria."
)

const (
	maxShownCategories = 2
	maxStars           = 5
)

func formatResults(places []domain.Place) string {
	var b strings.Builder
	b.WriteString("🎯 Here is what I found for you:\n\n")
	for i, p := range places {
		fmt.Fprintf(&b, "%d. %s\n", i+1, formatPlace(p))
	}
	return b.String()
}

func formatPlace(p domain.Place) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📍 <b>%s</b>\n", html.EscapeString(p.Name))
	fmt.Fprintf(&b, "📮 %s\n", html.EscapeString(p.Address))

	if p.Rating != nil && *p.Rating > 0 && !math.IsInf(*p.Rating, 0) {
		stars := strings.Repeat("⭐", int(math.Min(*p.Rating, maxStars)))
		fmt.Fprintf(&b, "%s %.1f", stars, *p.Rating)
		if p.ReviewsCount != nil && *p.ReviewsCount > 0 {
			fmt.Fprintf(&b, " (%d reviews)", *p.ReviewsCount)
		}
		b.WriteString("\n")
	}

	if len(p.Categories) > 0 {
		cats := p.Categories
		if len(cats) > maxShownCategories {
			cats = cats[:maxShownCategories]
		}
		fmt.Fprintf(&b, "🏷 %s\n", html.EscapeString(strings.Join(cats, ", ")))
	}
	if p.WorkingHours != "" {
		fmt.Fprintf(&b, "🕒 %s\n", html.EscapeString(p.WorkingHours))
	}
	if p.Phone != "" {
		fmt.Fprintf(&b, "📞 %s\n", html.EscapeString(p.Phone))
	}
	if p.Website != "" {
		fmt.Fprintf(&b, "🌐 %s\n", html.EscapeString(p.Website))
	}
	return b.String()
}
