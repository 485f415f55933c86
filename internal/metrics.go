package internal

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

type shardMetrics struct {
	submitted    *metrics.Counter
	replied      *metrics.Counter
	timedOut     *metrics.Counter
	failed       *metrics.Counter
	cancelled    *metrics.Counter
	orphaned     *metrics.Counter
	bytesWritten *metrics.Counter
	bytesRead    *metrics.Counter
	replyAge     *metrics.Histogram
}

func newShardMetrics(set *metrics.Set, shard int) *shardMetrics {
	outcome := func(o string) *metrics.Counter {
		return set.GetOrCreateCounter(fmt.Sprintf(`metapipe_requests_total{shard="%d",outcome="%s"}`, shard, o))
	}
	return &shardMetrics{
		submitted:    outcome("submitted"),
		replied:      outcome("reply"),
		timedOut:     outcome("timeout"),
		failed:       outcome("failed"),
		cancelled:    outcome("cancelled"),
		orphaned:     outcome("orphan_discarded"),
		bytesWritten: set.GetOrCreateCounter(fmt.Sprintf(`metapipe_bytes_written_total{shard="%d"}`, shard)),
		bytesRead:    set.GetOrCreateCounter(fmt.Sprintf(`metapipe_bytes_read_total{shard="%d"}`, shard)),
		replyAge:     set.GetOrCreateHistogram(fmt.Sprintf(`metapipe_reply_age_ticks{shard="%d"}`, shard)),
	}
}

// WritePrometheus writes the metrics of every shard of c in Prometheus text
// format. Each context owns its metric set. Safe to call from any goroutine.
func (c *Context) WritePrometheus(w io.Writer) {
	c.metrics.WritePrometheus(w)
}
