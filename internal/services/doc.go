// Package services hosts the shared error taxonomy and context plumbing used
// by the external-service adapters and pipeline stages.
package services
