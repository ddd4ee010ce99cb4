package search

import "strings"

// Keywords are the phrases that mark a message as needing fresh web context.
var Keywords = []string{
	"latest", "recent", "current", "today", "news", "update",
	"what happened", "price of", "stock price", "weather",
	"when did", "who is", "what is the current",
	"search for", "find information", "look up", "google", "bing",
}

// NeedsWebSearch reports whether message contains any of Keywords,
// ignoring case. Messages without a keyword are never searched.
func NeedsWebSearch(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range Keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
