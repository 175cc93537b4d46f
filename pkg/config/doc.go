// Package config loads the broker's YAML configuration file.
package config
