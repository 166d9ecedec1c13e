// Package openaicompat implements llm.Provider for endpoints that speak the
// OpenAI chat completions wire format, including SSE streaming.
package openaicompat
