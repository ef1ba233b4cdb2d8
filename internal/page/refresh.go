package page

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/aleksclark/badgerlink/internal/codec"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Source renders the current page.
type Source func(ctx context.Context) (image.Image, error)

// Push delivers a bitmap to the badge.
type Push func(ctx context.Context, bm *codec.Bitmap) error

// Refresher re-renders a page on an interval and pushes it only when the
// bitmap changed.
type Refresher struct {
	source   Source
	push     Push
	clock    clockwork.Clock
	last     *codec.Bitmap
	opts     codec.PrepareOptions
	interval time.Duration
}

func NewRefresher(source Source, push Push, opts codec.PrepareOptions, interval time.Duration, clock clockwork.Clock) *Refresher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Refresher{
		source:   source,
		push:     push,
		clock:    clock,
		opts:     opts,
		interval: interval,
	}
}

// Refresh renders once and pushes if the result differs from the last
// pushed bitmap.
func (r *Refresher) Refresh(ctx context.Context) (bool, error) {
	img, err := r.source(ctx)
	if err != nil {
		return false, fmt.Errorf("render page: %w", err)
	}
	bm, err := codec.Prepare(img, r.opts)
	if err != nil {
		return false, err
	}
	if r.last != nil && r.last.Equal(bm) {
		return false, nil
	}
	if err := r.push(ctx, bm); err != nil {
		return false, err
	}
	r.last = bm
	return true, nil
}

// Run refreshes immediately and then every interval until ctx is done.
// Failed refreshes are logged and retried on the next tick.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		sent, err := r.Refresh(ctx)
		switch {
		case err != nil:
			log.Error().Err(err).Msg("page refresh failed")
		case sent:
			log.Info().Msg("page updated")
		default:
			log.Debug().Msg("page unchanged")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}
