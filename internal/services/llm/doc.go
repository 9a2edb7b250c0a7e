// Package llm provides chat completion access for the analysis, curation,
// and script generation stages. The primary provider is Anthropic's messages
// API; OpenAI serves as a single-shot fallback when the primary fails for a
// retryable reason. All pipeline prompts demand JSON output, and DecodeJSON
// tolerates the fencing quirks models add around it.
package llm
