package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	"github.com/RaphaelDarley/messagedisk/internal/model"
	"github.com/RaphaelDarley/messagedisk/internal/util/workerpool"
)

// ApplyManifest hosts every ring listed in the manifest. Entries run concurrently on a
// worker pool; a failed entry is logged and does not stop the others. The returned
// error summarizes the failures.
func (s *RingService) ApplyManifest(ctx context.Context, m *config.Manifest, cfg config.BootstrapConfig) error {
	if len(m.Rings) == 0 {
		return nil
	}

	pool := workerpool.New(ctx, workerpool.Config{
		Name:       "bootstrap",
		MaxWorkers: cfg.Workers,
		QueueSize:  cfg.QueueSize,
		Logger:     s.logger,
	})

	for i, spec := range m.Rings {
		spec := spec
		task := workerpool.Task{
			ID: fmt.Sprintf("%s-%d", spec.Action, i),
			Fn: func(ctx context.Context) error {
				return s.applyRingSpec(ctx, spec)
			},
		}
		if err := pool.Submit(ctx, task); err != nil {
			pool.Close()
			return fmt.Errorf("failed to queue bootstrap task %s: %w", task.ID, err)
		}
	}

	stats := pool.Close()
	s.logger.Info("Bootstrap manifest applied",
		zap.Uint64("completed", stats.Completed),
		zap.Uint64("failed", stats.Failed))

	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d bootstrap entries failed", stats.Failed, stats.Submitted)
	}
	return nil
}

func (s *RingService) applyRingSpec(ctx context.Context, spec config.RingSpec) error {
	chunkNum := spec.ChunkNum
	if chunkNum == 0 {
		chunkNum = s.cfg.DefaultChunkNum
	}

	switch spec.Action {
	case config.ActionCreate:
		id, err := s.Create(ctx, spec.RingID, chunkNum)
		if err != nil {
			return err
		}
		s.logger.Info("Created ring from manifest", zap.Uint64("ring_id", uint64(id)))
		return nil
	case config.ActionJoin, config.ActionStart:
		target, err := model.ParseNodeAddress(spec.Target)
		if err != nil {
			return err
		}
		if spec.Action == config.ActionStart {
			return s.Start(ctx, spec.RingID, target, chunkNum)
		}
		return s.Join(ctx, spec.RingID, target, chunkNum)
	default:
		return fmt.Errorf("unknown manifest action %q", spec.Action)
	}
}
