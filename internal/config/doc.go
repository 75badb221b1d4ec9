// Package config provides configuration management for the Genesis orchestrator.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a type-safe configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.genesis/config.yaml and is automatically
// created with sensible defaults on first use. The file structure mirrors
// the Go structs defined in this package.
//
// # Environment Variables
//
// All configuration values can be overridden using environment variables
// with the GENESIS_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - GENESIS_LLM_DEFAULT_PROVIDER=local
//   - GENESIS_BRIDGE_SECRET=...
//   - GENESIS_LOGGING_LEVEL=debug
//
// API keys should be stored in environment variables rather than in the
// config file to prevent accidental exposure:
//
//	export ANTHROPIC_API_KEY=sk-ant-...
//	export PERPLEXITY_API_KEY=pplx-...
//
// # Configuration Sections
//
//   - LLM: local model process and fallback provider configuration
//   - TimeSync: clock refresh interval and knowledge cutoff
//   - Memory: session/long-term capacities and prune thresholds
//   - Fallback: uncertainty gate and cascade timeouts
//   - WebSearch: aggregator concurrency and cache TTL
//   - Bridge: loopback execution endpoint settings
//   - Accel: battery/thermal gates for hardware acceleration
//   - Bus: pipeline event observer settings
//   - Logging: log level and output file configuration
//
// # Path Expansion
//
// The package automatically expands ~ to the user's home directory in
// all path configurations, making config files portable across systems.
//
// # Thread Safety
//
// Config instances are not thread-safe. The orchestrator loads one instance
// at startup and treats it as read-only afterwards.
package config
