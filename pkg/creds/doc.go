// Package creds encrypts host credentials at rest with AES-256-GCM,
// manages the mode-0600 master key file, and derives per-installation
// secrets for services created by the installers.
package creds
