package browser

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Humanize controls the random pauses that make a replay look like a person.
// Zero ranges disable the corresponding pause.
type Humanize struct {
	CommandMin time.Duration
	CommandMax time.Duration
	KeyMin     time.Duration
	KeyMax     time.Duration
	// Settle is waited once after the last command.
	Settle time.Duration
}

func DefaultHumanize() Humanize {
	return Humanize{
		CommandMin: 500 * time.Millisecond,
		CommandMax: 2 * time.Second,
		KeyMin:     50 * time.Millisecond,
		KeyMax:     150 * time.Millisecond,
		Settle:     5 * time.Second,
	}
}

type pacer struct {
	h   Humanize
	mu  sync.Mutex
	rng *rand.Rand
}

func newPacer(h Humanize, rng *rand.Rand) *pacer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &pacer{h: h, rng: rng}
}

func (p *pacer) between(min, max time.Duration) time.Duration {
	if max < min {
		max = min
	}
	if max <= 0 {
		return 0
	}
	if max == min {
		return min
	}
	p.mu.Lock()
	n := p.rng.Int63n(int64(max - min))
	p.mu.Unlock()
	return min + time.Duration(n)
}

func (p *pacer) command(ctx context.Context) error {
	return sleep(ctx, p.between(p.h.CommandMin, p.h.CommandMax))
}

func (p *pacer) key(ctx context.Context) error {
	return sleep(ctx, p.between(p.h.KeyMin, p.h.KeyMax))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
