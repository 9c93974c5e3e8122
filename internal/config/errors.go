package config

import "errors"

// Sentinel kinds returned by Load and Validate. Match them with errors.Is.
var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid ledger config")
	// ErrLoadConfig wraps failures reading the YAML, .env or environment layers.
	ErrLoadConfig = errors.New("load ledger config")
)
