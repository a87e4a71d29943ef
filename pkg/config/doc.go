// Package config loads the guestinit configuration file.
//
// The file is YAML and every key is optional: values that are absent keep
// their defaults, and a missing file yields the defaults unchanged. The
// merged result is validated with struct tags before use.
//
// # Example
//
//	transport:
//	  timeout: 15s
//	commands:
//	  groups: [adm, sudo]
//	  timeout: 2m
//	backends:
//	  hostname: [hostnamectl]
//	sshd:
//	  manage: true
//	journal:
//	  enabled: true
//	  path: /var/lib/guestinit/journal.db
//	telemetry:
//	  logging:
//	    level: debug
//	  metrics:
//	    enabled: true
//
// GUESTINIT_LOG_LEVEL overrides telemetry.logging.level.
package config
