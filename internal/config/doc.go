// Package config loads, normalizes, and validates the TOML configuration
// controlling paths, external service adapters, and workflow timing.
package config
