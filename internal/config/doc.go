/*
Package config provides configuration loading and validation for deepfreeze.

Sources are applied in increasing priority:

	defaults (NewDefault) → YAML file (LoadFromFile) → DEEPFREEZE_* environment (LoadFromEnv) → CLI flags

Validate rejects unknown enum values (provider, metadata backend, canned ACL,
storage class, rotation style, retrieval tier) with CONFIGURATION_ERROR before
any adapter is constructed. Azure container names may not contain
underscores, so an Azure configuration with an underscored bucket prefix is
rejected up front.

A minimal configuration file:

	elasticsearch:
	  addresses: ["https://localhost:9200"]
	  username: elastic
	  password: changeme
	provider:
	  kind: aws
	  aws:
	    region: us-east-2
	deepfreeze:
	  repo_name_prefix: deepfreeze
	  bucket_name_prefix: acme-deepfreeze
	  style: oneup
	  keep: 6

Cron jobs usually add a log file and a Pushgateway:

	global:
	  log_file: /var/log/deepfreeze/deepfreeze.log
	  log_max_size_mb: 50
	metrics:
	  pushgateway_url: http://pushgateway:9091
	  job: deepfreeze-cron

Settings derives the persisted types.Settings written by setup. After setup
the persisted copy is authoritative; later edits to the file only take effect
for fields that are not part of Settings (credentials, endpoints, logging).
*/
package config
