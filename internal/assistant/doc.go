// Package assistant provides the HTTP client for the remote agent service
// and the decoder that turns its streaming run responses into typed events.
package assistant
