package esi

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Characters resolves many characters in parallel, bounded by the client
// concurrency limit. Failed lookups are logged and omitted from the
// result; the map holds only what resolved.
func (c *Client) Characters(ctx context.Context, ids []int64) map[int64]*Character {
	out := make(map[int64]*Character, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			ch, err := c.Character(gctx, id)
			if err != nil {
				slog.Debug("Character resolve failed", "character_id", id, "error", err)
				return nil
			}
			mu.Lock()
			out[id] = ch
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// Corporations resolves many corporations in parallel.
func (c *Client) Corporations(ctx context.Context, ids []int64) map[int64]*Corporation {
	out := make(map[int64]*Corporation, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			corp, err := c.Corporation(gctx, id)
			if err != nil {
				slog.Debug("Corporation resolve failed", "corporation_id", id, "error", err)
				return nil
			}
			mu.Lock()
			out[id] = corp
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// Alliances resolves many alliances in parallel.
func (c *Client) Alliances(ctx context.Context, ids []int64) map[int64]*Alliance {
	out := make(map[int64]*Alliance, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			a, err := c.Alliance(gctx, id)
			if err != nil {
				slog.Debug("Alliance resolve failed", "alliance_id", id, "error", err)
				return nil
			}
			mu.Lock()
			out[id] = a
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// Types resolves many inventory types in parallel.
func (c *Client) Types(ctx context.Context, ids []int64) map[int64]*Type {
	out := make(map[int64]*Type, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			tp, err := c.Type(gctx, id)
			if err != nil {
				slog.Debug("Type resolve failed", "type_id", id, "error", err)
				return nil
			}
			mu.Lock()
			out[id] = tp
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}
