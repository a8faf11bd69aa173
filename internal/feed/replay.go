package feed

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/fallwatch/internal/monitoring"
)

// ReplayOptions controls capture replay.
type ReplayOptions struct {
	// UDPPort keeps only datagrams sent to this port. Zero keeps all.
	UDPPort int
	// Realtime waits between packets as they were captured, scaled by
	// Speed (1 when unset).
	Realtime bool
	Speed    float64
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets   int
	Datagrams int
	Errors    int
}

// ReplayFile replays bridge datagrams from a classic pcap file.
func ReplayFile(ctx context.Context, path string, h DatagramHandler, opts ReplayOptions) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()
	return Replay(ctx, f, h, opts)
}

// Replay feeds every UDP payload in the capture read from r to h.
func Replay(ctx context.Context, r io.Reader, h DatagramHandler, opts ReplayOptions) (ReplayStats, error) {
	var stats ReplayStats
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to read capture header: %w", err)
	}
	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.NoCopy = true
	var last time.Time
	start := time.Now()

	for {
		packet, err := source.NextPacket()
		if err == io.EOF {
			monitoring.Logf("feed: replay complete: %d packets, %d datagrams in %v",
				stats.Packets, stats.Datagrams, time.Since(start))
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if opts.UDPPort != 0 && int(udp.DstPort) != opts.UDPPort {
			continue
		}

		ts := packet.Metadata().Timestamp
		if opts.Realtime && !last.IsZero() {
			if gap := ts.Sub(last); gap > 0 {
				if err := sleepCtx(ctx, time.Duration(float64(gap)/speed)); err != nil {
					return stats, err
				}
			}
		}
		last = ts
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		stats.Datagrams++
		if err := h.HandleDatagram(udp.Payload); err != nil {
			stats.Errors++
			monitoring.Logf("feed: replay packet %d: %v", stats.Packets, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
