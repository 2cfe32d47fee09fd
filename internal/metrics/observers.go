package metrics

import (
	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/internal/storage"
)

// ProviderObserver adapts the collector to storage.Instrument.
func (c *Collector) ProviderObserver() storage.Observer {
	if !c.config.Enabled {
		return nil
	}
	return func(kind storage.Kind, operation string, err error) {
		c.RecordAdapterCall(string(kind), operation, err)
	}
}

// ClusterObserver adapts the collector to cluster.Instrument.
func (c *Collector) ClusterObserver() cluster.Observer {
	if !c.config.Enabled {
		return nil
	}
	return func(operation string, err error) {
		c.RecordAdapterCall("elasticsearch", operation, err)
	}
}
