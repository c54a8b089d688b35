// Package config handles configuration loading for toolgate.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable expansion,
// defaults for every optional field, and validation of required ones.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from TOOLGATE_CONFIG environment variable
//  3. ~/.config/toolgate/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token_secret: "${TOOLGATE_TOKEN_SECRET}"
//
// # Durations
//
// Duration values use time.ParseDuration syntax:
//
//	auth:
//	  token_ttl: "5m"
//	bridge:
//	  shutdown_grace: "5s"
//
// # Sections
//
//	server:    HTTP and gRPC listen addresses
//	tailscale: optional tsnet listeners (server addresses are ignored when enabled)
//	database:  sqlite (path) or postgres (dsn)
//	auth:      trust token secret/lifetime, strict client access, admin token hash
//	bridge:    proxy listener, autostart, shutdown grace, container sandbox settings
//	policies:  manifest path and hot reload
//	alerts:    redis, kafka, mqtt and amqp sinks
//	logging:   level and format
package config
