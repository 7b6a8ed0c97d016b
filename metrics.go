package main

import (
	"context"
	"log"
	"time"

	"github.com/gujial/voicePhone/internal/relay"
)

type voiceStats interface {
	Stats() relay.Stats
}

type clientCounter interface {
	ClientCount() int
}

// RunMetrics logs relay throughput every interval until ctx is canceled.
// Counters are cumulative, so each tick reports the delta since the last
// one; a tick with no clients and no traffic logs nothing.
func RunMetrics(ctx context.Context, voice voiceStats, clients clientCounter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := voice.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := voice.Stats()
			packets := cur.PacketsRelayed - prev.PacketsRelayed
			dropped := cur.PacketsDropped - prev.PacketsDropped
			relayed := cur.BytesRelayed - prev.BytesRelayed
			prev = cur

			n := clients.ClientCount()
			if n == 0 && packets == 0 && dropped == 0 {
				continue
			}
			log.Printf("[metrics] clients=%d packets=%d dropped=%d bytes=%d (%.1f KB/s)",
				n, packets, dropped, relayed,
				float64(relayed)/interval.Seconds()/1024)
		}
	}
}
