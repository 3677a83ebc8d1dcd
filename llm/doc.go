// Package llm defines the generation-service interface the memory system
// consumes, plus an OpenAI-compatible HTTP implementation.
//
// The generation service is an external collaborator: everything in this
// package is a suspension point, every call site retries transient failures
// with backoff (see llm/retry), and schema-validated structured output is
// layered on top by the structured package.
package llm
