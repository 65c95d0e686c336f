// Package config handles server-side configuration loading from a YAML file,
// environment overrides for secrets, defaults and startup validation.
package config
