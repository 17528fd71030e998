// Package config provides configuration loading and validation for the media-stream relay.
// It reads a YAML file over built-in defaults, applies environment overrides for
// deployment credentials and validates every section.
package config
