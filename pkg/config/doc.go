// Package config loads the froyo-scp settings file.
//
// # Overview
//
// Settings cover everything that is the same for every host: logging,
// metrics, tracing, SSH timeouts and host key checking, and live-edit
// timings with the editor command. Which host to connect to and the
// credentials for it come from the command line, never from this file.
//
// # Sources
//
// Load layers three sources, later ones winning:
//
//  1. Default values
//  2. The YAML file, by default config.yaml under the user config
//     directory (e.g. ~/.config/froyo-scp/config.yaml)
//  3. FROYO_SCP_* environment variables
//
// Unknown keys in the file are rejected. The merged settings are validated
// before Load returns.
//
// # Example
//
//	logging:
//	  level: debug
//	ssh:
//	  port: 2222
//	  ready_timeout: 10s
//	  known_hosts: ~/.ssh/known_hosts
//	  strict_host_key_checking: true
//	edit:
//	  editor: "code:--wait"
//	  upload_debounce: 1s
//	  idle_timeout: 5m
//
// The same values as environment overrides:
//
//	FROYO_SCP_LOGGING_LEVEL=debug
//	FROYO_SCP_SSH_PORT=2222
//	FROYO_SCP_EDIT_IDLE_TIMEOUT=5m
package config
