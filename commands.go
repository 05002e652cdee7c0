package fetchcache

import (
	"context"
	"fmt"
	"strings"

	"github.com/always-cache/fetchcache/cache"
)

type CommandType string

const (
	// CommandSkipWaiting activates the waiting version immediately.
	CommandSkipWaiting CommandType = "SKIP_WAITING"
	// CommandResetPartition purges a partition, e.g. on logout.
	CommandResetPartition CommandType = "RESET_PARTITION"
)

// Command is a message from the host application to the engine.
type Command struct {
	Type CommandType `json:"type" yaml:"type"`
	// Partition to reset, by purpose (e.g. first-party-api) or physical name.
	Partition string `json:"partition,omitempty" yaml:"partition,omitempty"`
}

// HandleCommand runs a host command.
func (e *Engine) HandleCommand(ctx context.Context, cmd Command) error {
	switch CommandType(strings.ToUpper(string(cmd.Type))) {
	case CommandSkipWaiting:
		e.SkipWaiting()
		return nil
	case CommandResetPartition:
		return e.ResetPartition(ctx, cmd.Partition)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

// SkipWaiting makes a waiting version take over without waiting for the
// clients of the active one.
func (e *Engine) SkipWaiting() {
	e.log.Info().Msg("Skip waiting requested")
	e.scope.SkipWaiting()
}

// ResetPartition deletes every entry of a partition. A name without version
// token refers to this engine's version of the partition, except for the
// precache partition which is shared by all versions.
func (e *Engine) ResetPartition(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("fetchcache: reset: partition name is empty")
	}
	if _, _, ok := cache.ParsePartitionName(name); !ok {
		name = e.partition(name)
	}
	e.log.Info().Str("partition", name).Msg("Resetting partition")
	return e.store.DropPartition(ctx, name)
}

// PartitionInfo describes one stored partition.
type PartitionInfo struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
	Version string `json:"version,omitempty"`
	Entries int    `json:"entries"`
}

// Partitions lists the stored partitions with their entry counts.
func (e *Engine) Partitions(ctx context.Context) ([]PartitionInfo, error) {
	names, err := e.store.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]PartitionInfo, 0, len(names))
	for _, name := range names {
		n, err := e.store.Count(ctx, name)
		if err != nil {
			return nil, err
		}
		purpose, version, _ := cache.ParsePartitionName(name)
		infos = append(infos, PartitionInfo{Name: name, Purpose: purpose, Version: version, Entries: n})
	}
	return infos, nil
}
