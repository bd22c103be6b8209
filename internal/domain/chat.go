package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// assistant and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatParams tunes a single chat completion call.
type ChatParams struct {
	Temperature *float64
	MaxTokens   int
	// JSONObject asks the provider to return a single JSON object.
	JSONObject bool
}
