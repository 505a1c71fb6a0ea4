// Package config loads the fleetd configuration file (YAML, or JSON which is a
// subset of it), fills in defaults relative to the file's directory and
// validates cross-field constraints before any component is constructed.
package config
