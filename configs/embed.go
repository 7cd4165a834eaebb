package configs

import _ "embed"

// DefaultConfig is the shipped default configuration file.
//
//go:embed termtrace.yaml
var DefaultConfig []byte
