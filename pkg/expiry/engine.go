// Package expiry implements per-device free-space-driven PCAP deletion:
// the background loop that keeps local-disk capture directories under
// their configured free-space target by deleting the oldest unlocked
// files first.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/fleetcap/viewer/pkg/pcap"
)

const (
	tickInterval   = 60 * time.Second
	oldestPageSize = 200
	hardFloor      = 10
)

// Target is one configured pcapDir entry: the directory this node writes
// captures to and the free-space floor that directory's device must stay
// above.
type Target struct {
	Dir string
	// FreeSpaceG is the configured floor: positive values are absolute GB,
	// negative values are -percent of the device's total capacity (so -10
	// means "keep at least 10% free").
	FreeSpaceG float64
}

// Engine is the singleton per-node expiry loop. It runs only on nodes
// configured for local-disk capture; cluster nodes backed by remote
// storage never construct one.
type Engine struct {
	node    string
	targets []Target
	files   pcap.FileStore
	logger  *slog.Logger

	statDevice func(path string) (uint64, error)
	diskUsage  func(path string) (*disk.UsageStat, error)
}

func NewEngine(node string, targets []Target, files pcap.FileStore, logger *slog.Logger) *Engine {
	return &Engine{
		node:       node,
		targets:    targets,
		files:      files,
		logger:     logger,
		statDevice: statDevice,
		diskUsage: func(path string) (*disk.UsageStat, error) {
			return disk.Usage(path)
		},
	}
}

func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("expiry engine started", "node", e.node)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		if err := e.sweep(ctx); err != nil {
			e.logger.Error("expiry sweep", "error", err)
		}

		select {
		case <-ctx.Done():
			e.logger.Info("expiry engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// sweep groups targets by underlying device, then brings every
// below-target device back above its floor.
func (e *Engine) sweep(ctx context.Context) error {
	groups, err := e.groupByDevice()
	if err != nil {
		return fmt.Errorf("grouping pcap dirs by device: %w", err)
	}

	for dev, group := range groups {
		if err := e.reclaim(ctx, dev, group); err != nil {
			e.logger.Error("reclaiming device", "device", dev, "error", err)
		}
	}
	return nil
}

type deviceGroup struct {
	dirs   []string
	target Target // representative target; freeSpaceG is the same for co-located dirs in practice
}

func (e *Engine) groupByDevice() (map[uint64]deviceGroup, error) {
	groups := make(map[uint64]deviceGroup)
	for _, t := range e.targets {
		dev, err := e.statDevice(t.Dir)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", t.Dir, err)
		}
		g := groups[dev]
		g.dirs = append(g.dirs, t.Dir)
		g.target = t
		groups[dev] = g
	}
	return groups, nil
}

// reclaim deletes the oldest unlocked files on group's directories until
// free space is back above target or the hard floor is hit.
func (e *Engine) reclaim(ctx context.Context, _ uint64, group deviceGroup) error {
	usage, err := e.diskUsage(group.dirs[0])
	if err != nil {
		return fmt.Errorf("reading disk usage for %q: %w", group.dirs[0], err)
	}

	targetFree := targetFreeBytes(group.target.FreeSpaceG, usage.Total)
	if usage.Free >= targetFree {
		return nil
	}

	prefixes := make([]string, len(group.dirs))
	copy(prefixes, group.dirs)

	free := usage.Free
	for free < targetFree {
		remaining, err := e.files.CountForNodes(ctx, []string{e.node})
		if err != nil {
			return fmt.Errorf("counting remaining files: %w", err)
		}
		if remaining <= hardFloor {
			e.logger.Warn("expiry hit hard floor with free space still below target", "node", e.node, "remaining", remaining)
			return nil
		}

		candidates, err := e.files.Oldest(ctx, []string{e.node}, prefixes, oldestPageSize)
		if err != nil {
			return fmt.Errorf("listing oldest files: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		for _, f := range candidates {
			if free >= targetFree {
				break
			}
			if remaining <= hardFloor {
				break
			}

			size, statErr := fileSize(f.Name)
			if statErr != nil {
				// Missing on disk still counts as below target; drop the row.
				size = 0
			}

			if err := e.files.Delete(ctx, f.Node, f.Num); err != nil {
				e.logger.Error("deleting expired pcap file", "node", f.Node, "num", f.Num, "error", err)
				continue
			}
			if statErr == nil {
				_ = os.Remove(f.Name)
			}

			if u, err := e.diskUsage(group.dirs[0]); err == nil {
				free = u.Free
			} else {
				free += uint64(size)
			}
			remaining--
		}

		if len(candidates) < oldestPageSize {
			// Exhausted every unlocked candidate on this device for now.
			return nil
		}
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// targetFreeBytes converts a configured freeSpaceG (absolute GB, or a
// negative value encoding a percent-of-total floor) to an absolute byte
// count against total.
func targetFreeBytes(freeSpaceG float64, total uint64) uint64 {
	if freeSpaceG < 0 {
		pct := -freeSpaceG / 100
		return uint64(pct * float64(total))
	}
	return uint64(freeSpaceG * 1024 * 1024 * 1024)
}

// statDevice returns the underlying filesystem device id for path, used to
// group sibling pcapDir entries that share one disk.
func statDevice(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("unsupported platform for device stat on %q", path)
	}
	return uint64(sys.Dev), nil
}
