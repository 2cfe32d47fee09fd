/*
Package metrics records deepfreeze command outcomes and state gauges in a
Prometheus registry.

deepfreeze runs as a short-lived command, usually from cron, so nothing is
served over HTTP. At the end of a command the registry is pushed to a
Pushgateway and/or written to a node_exporter textfile:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        true,
		PushgatewayURL: "http://pushgateway:9091",
		Job:            "deepfreeze",
	})
	if err != nil {
		return err
	}
	provider = storage.Instrument(provider, collector.ProviderObserver())
	start := time.Now()
	err = run()
	collector.RecordCommand("rotate", time.Since(start), err)
	_ = collector.Flush(ctx)

# Metrics

	deepfreeze_command_total{command,result}
	deepfreeze_command_duration_seconds{command}
	deepfreeze_adapter_calls_total{adapter,operation,result}
	deepfreeze_repositories{status}
	deepfreeze_thaw_requests{status}
	deepfreeze_drift_findings{class}
	deepfreeze_last_success_timestamp_seconds{command}

The result label is "success" or the error code of the failure, for
example REPOSITORY_IN_USE.
*/
package metrics
