// Package config loads and validates the ember-relay YAML configuration,
// expanding ${ENV_VAR} references and parsing duration strings.
package config
