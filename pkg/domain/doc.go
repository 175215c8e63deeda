// Package domain manages custom domain mappings and their DNS and HTTP
// verification before the proxy starts routing them.
package domain
