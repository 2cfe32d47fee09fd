/*
Package engine is the composition root of deepfreeze.

New turns a validated configuration into the collaborators every command
needs, in this order:

	config → metrics → metadata store → storage provider → cluster

The store is the Elasticsearch status index by default, PostgreSQL when
metadata.backend is postgres, or an in-process map for scratch runs. The
provider is chosen by provider.kind (aws, azure or gcp). Provider and
cluster calls are counted by the metrics collector, which is flushed to a
Pushgateway or textfile on Close.

Each exported method runs one CLI command:

	Setup           first repository, ILM policy and persisted settings
	Status          read-only report
	Rotate          new active repository, retire and unmount old ones
	Thaw            start restores for a date range
	CheckStatus     poll restores and advance thaw requests
	ListThaws       list thaw requests
	Refreeze        return thawed repositories to the archive tier
	Cleanup         prune records of refrozen and deleted data
	RepairMetadata  detect and correct drift

With Options.DryRun set every command reports what it would do without
writing metadata or calling a mutating adapter operation.
*/
package engine
