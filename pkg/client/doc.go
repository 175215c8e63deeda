// Package client is the Go client for the control plane's HTTP API,
// used by the CLI and by integrations.
package client
