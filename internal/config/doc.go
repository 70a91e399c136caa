// Package config provides configuration loading and validation for the recording
// session service. Settings come from a YAML file; secrets may be supplied via the
// environment or a .env file.
package config
