package llm

import (
	"fmt"
	"strings"
)

// FirstChoice safely returns the first choice from a ChatResponse.
func FirstChoice(resp *ChatResponse) (ChatChoice, error) {
	if resp == nil {
		return ChatChoice{}, fmt.Errorf("nil ChatResponse")
	}
	if len(resp.Choices) == 0 {
		return ChatChoice{}, fmt.Errorf("empty choices in ChatResponse (model returned no choices)")
	}
	return resp.Choices[0], nil
}

// CollectStream drains a stream channel into a single assistant message.
// onDelta, when set, sees each non-empty content delta in arrival order.
// The first chunk error aborts collection.
func CollectStream(ch <-chan StreamChunk, onDelta func(string)) (string, error) {
	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		if chunk.Delta.Content == "" {
			continue
		}
		sb.WriteString(chunk.Delta.Content)
		if onDelta != nil {
			onDelta(chunk.Delta.Content)
		}
	}
	return sb.String(), nil
}
