// Package config handles configuration loading for byoa-gateway.
//
// Configuration is loaded from YAML files with ${VAR_NAME} environment
// variable expansion and duration-string parsing. A handful of settings
// (listener address, upstream URL and credentials, agents file, database
// path) can also be overridden directly through BYOA_* environment
// variables for container deployments.
package config
