package metrics

import "time"

// BlockCacheStats is implemented by pkg/block's cache to expose gauge-style
// samples without this package importing the block layer.
type BlockCacheStats interface {
	CacheEntries() int
	DirtyBlocks() int
}

// AllocStats is implemented by pkg/scoutd's allocStats adapter over
// pkg/alloc's dual-bank allocator.
type AllocStats interface {
	AvailBlocks(pool string) (server, total uint64)
	FreedBlocks(pool string) uint64
}

// ClientStats is implemented by pkg/clients' registry.
type ClientStats interface {
	Mounted() int
	Recovering() int
}

// Collector samples gauges from the running server on a fixed interval, the
// same shape the teacher used for its node/service/Raft gauges.
type Collector struct {
	blocks  BlockCacheStats
	alloc   AllocStats
	clients ClientStats
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector. Any of the sources may be
// nil, in which case that group of gauges is left at its last sampled value.
func NewCollector(blocks BlockCacheStats, alloc AllocStats, clients ClientStats) *Collector {
	return &Collector{
		blocks:  blocks,
		alloc:   alloc,
		clients: clients,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics on a background ticker.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectBlockMetrics()
	c.collectAllocMetrics()
	c.collectClientMetrics()
}

func (c *Collector) collectBlockMetrics() {
	if c.blocks == nil {
		return
	}
	BlockCacheSize.Set(float64(c.blocks.CacheEntries()))
	DirtySetSize.Set(float64(c.blocks.DirtyBlocks()))
}

func (c *Collector) collectAllocMetrics() {
	if c.alloc == nil {
		return
	}
	for _, pool := range []string{"meta", "data"} {
		server, total := c.alloc.AvailBlocks(pool)
		AllocAvailBlocks.WithLabelValues(pool, "server").Set(float64(server))
		AllocAvailBlocks.WithLabelValues(pool, "total").Set(float64(total))
		AllocFreedBlocks.WithLabelValues(pool, "server").Set(float64(c.alloc.FreedBlocks(pool)))
	}
}

func (c *Collector) collectClientMetrics() {
	if c.clients == nil {
		return
	}
	MountedClientsTotal.Set(float64(c.clients.Mounted()))
	ClientsRecoveringTotal.Set(float64(c.clients.Recovering()))
}
