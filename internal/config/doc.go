// Package config loads, normalizes, and validates profmon-sim configuration.
//
// Defaults come from Default, a TOML file may override any of them, and the
// MODEL_HOST, MODEL_PORT and MODEL_BROADCAST_PORT environment variables win
// over the file. Command-line flags are applied last by the CLI.
package config
