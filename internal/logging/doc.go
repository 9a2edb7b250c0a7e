// Package logging centralizes slog construction and the structured field
// vocabulary shared by the pipeline stages, queue workers, and CLI.
package logging
