// Package prompt assembles the text sent upstream for a chat turn.
package prompt

import (
	"fmt"
	"strings"

	"github.com/abdhe/mirage/pkg/chat"
	"github.com/abdhe/mirage/pkg/search"
)

var modeInstructions = map[chat.Mode]string{
	chat.ModeDetailed: "Provide comprehensive, detailed explanations with examples, context, and thorough analysis.",
	chat.ModeConcise:  "Give brief, direct answers that focus on key points without unnecessary elaboration.",
	chat.ModeCreative: "Respond with creativity, imagination, and original thinking. Use vivid language and explore unique perspectives.",
}

// personas take the mode instruction as their only verb.
var personas = map[string]string{
	"gpt-5":      "You are GPT-5, the most advanced AI model from OpenAI. %s Use your vast knowledge to give well-reasoned responses and consider multiple perspectives.",
	"claude-4":   "You are Claude 4 from Anthropic. %s Respond with thoughtful, ethical considerations and careful reasoning. Be helpful, harmless, and honest.",
	"gemini-2.5": "You are Gemini 2.5 from Google. %s Integrate real-time information and multimodal understanding. Be factual, up-to-date, and consider practical applications.",
}

const genericPersona = "You are an AI assistant. %s"

const citeInstruction = "Please use this current information from the web search to provide an accurate and up-to-date response. Cite the sources when relevant."

// Instruction returns the response-style instruction for mode. Unknown modes
// get the detailed instruction.
func Instruction(mode chat.Mode) string {
	if !mode.Valid() {
		mode = chat.ModeDetailed
	}
	return modeInstructions[mode]
}

// Build returns the prompt for one turn. outcome may be nil; its results are
// rendered only when there is at least one.
func Build(model, message string, mode chat.Mode, outcome *search.Outcome) string {
	persona, ok := personas[model]
	if !ok {
		persona = genericPersona
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, persona, Instruction(mode))
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(message)

	if outcome != nil && len(outcome.Results) > 0 {
		sb.WriteString("\n\nWeb Search Results:\n")
		for i, r := range outcome.Results {
			fmt.Fprintf(&sb, "%d. %s\n   %s\n   Source: %s\n\n", i+1, r.Title, r.Snippet, r.Link)
		}
		sb.WriteString(citeInstruction)
	}
	return sb.String()
}
