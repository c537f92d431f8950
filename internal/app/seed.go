package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"autoflow/internal/config"
	"autoflow/internal/storage"
	"autoflow/internal/task"
	logx "autoflow/pkg/logx"
)

// seedTasks upserts every task declared in cfg. Tasks created through other
// means are left alone. Run state already in the store is kept by Put.
func seedTasks(ctx context.Context, st storage.Store, cfg *config.Config, log logx.Logger) (int, error) {
	var errs []error
	n := 0
	for _, tc := range cfg.Tasks {
		t, err := taskFromConfig(tc)
		if err == nil {
			err = st.Put(ctx, t)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("task %q: %w", tc.ID, err))
			continue
		}
		n++
	}
	if len(errs) > 0 {
		log.Warn("some tasks were not seeded", logx.Int("ok", n), logx.Err(errors.Join(errs...)))
	}
	return n, errors.Join(errs...)
}

// pruneRemoved deletes tasks that oldCfg declared and newCfg no longer does.
func pruneRemoved(ctx context.Context, st storage.Store, oldCfg, newCfg *config.Config) []string {
	keep := make(map[string]struct{}, len(newCfg.Tasks))
	for _, tc := range newCfg.Tasks {
		keep[strings.TrimSpace(tc.ID)] = struct{}{}
	}
	var removed []string
	for _, tc := range oldCfg.Tasks {
		id := strings.TrimSpace(tc.ID)
		if _, ok := keep[id]; ok {
			continue
		}
		if err := st.Delete(ctx, id); err != nil && !errors.Is(err, task.ErrNotFound) {
			continue
		}
		removed = append(removed, id)
	}
	return removed
}
