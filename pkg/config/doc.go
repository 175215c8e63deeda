// Package config loads and validates the typed control-plane
// configuration from a YAML file with FLOTILLA_* environment overrides.
package config
