/*
Package config loads the chunk cache configuration.

Sources are applied in increasing precedence:

	defaults (NewDefault) -> YAML file (LoadFromFile) -> CHUNKCACHE_* environment (LoadFromEnv)

Load runs all three and then Validate.

Example:

	global:
	  log_level: INFO
	  log_format: json
	cache:
	  max_size: 2GB
	  min_free_memory: 0.2
	  eviction_scope: global
	  workers: 4
	storage:
	  uri: s3://beamline-data/scans
	  region: us-east-1
	network:
	  retry:
	    max_attempts: 3
	  rate_limit:
	    requests_per_second: 200
	    burst: 50
	monitoring:
	  metrics:
	    enabled: true
	    port: 9090

Secrets are never written back by SaveToFile; storage.secret_key only comes
from CHUNKCACHE_SECRET_KEY or the SDK credential chain.
*/
package config
