package blocks

import (
	"encoding/json"
	"fmt"
)

// Bubble is one turn in a chat block. Annotations on chat content
// address a turn by its index and a character range inside it.
type Bubble struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ParseChat decodes a chat block's content. Content that is not a
// bubble array is treated as a single user turn, matching the legacy
// plain-text chat blocks.
func ParseChat(content string) []Bubble {
	var bubbles []Bubble
	if err := json.Unmarshal([]byte(content), &bubbles); err == nil {
		return bubbles
	}
	if content == "" {
		return nil
	}
	return []Bubble{{Role: "user", Text: content}}
}

// SerializeChat renders bubbles back to block content.
func SerializeChat(bubbles []Bubble) string {
	data, _ := json.Marshal(bubbles)
	return string(data)
}

// BubbleText returns the text of the addressed turn, for validating
// chat annotation anchors.
func BubbleText(content string, bubbleIndex int) (string, error) {
	bubbles := ParseChat(content)
	if bubbleIndex < 0 || bubbleIndex >= len(bubbles) {
		return "", fmt.Errorf("bubble index %d out of range (%d turns)", bubbleIndex, len(bubbles))
	}
	return bubbles[bubbleIndex].Text, nil
}
