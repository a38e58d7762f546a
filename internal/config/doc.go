// Package config handles YAML configuration loading and validation.
// Values may reference environment variables as ${VAR} or ${VAR:-default};
// a .env file is loaded first when present.
package config
