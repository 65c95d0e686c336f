// Package output renders mqctl results as tables, JSON or YAML.
package output
