// Package config loads the oplife application configuration.
//
// Configuration is a single YAML file. Every section is optional; missing
// fields keep the values from Default:
//
//	telemetry:
//	  logging:
//	    level: debug
//	  metrics:
//	    enabled: true
//	    listen_address: ":9090"
//	scheduler:
//	  max_parallel: 4
//	  retry_base_delay: 500ms
//	notifications:
//	  default_duration: 3s
//	  target: all
//	policies:
//	  paths: ["./policies"]
//	  watch: true
//	  default_set: default
//	simulation:
//	  operations: 8
//	  failure_rate: 0.1
//
// Structural rules are expressed as go-playground/validator tags; the
// telemetry section is additionally checked by telemetry.Config.Validate.
package config
