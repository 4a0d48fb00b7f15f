package esi

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/ratelimit"
)

// shipGroupIDs is the fixed list of inventory groups that hold ship
// hulls. The catalogue bootstrap resolves each group, then each of its
// member types, so every hull seen on a killmail names without a network
// round trip.
var shipGroupIDs = []int64{
	25, 26, 27, 28, 29, 30, 31, 237, 324, 358, 380, 419, 420, 463, 485,
	513, 540, 541, 543, 547, 659, 830, 831, 832, 833, 834, 883, 893, 894,
	898, 900, 902, 906, 941, 963, 1022, 1201, 1202, 1283, 1305, 1527,
	1534, 1538,
}

// shipCategoryName is the display category for bootstrapped hulls.
const shipCategoryName = "Ship"

// BootstrapShipCatalogue loads the ship type catalogue. A CSV file is
// preferred when configured; otherwise the catalogue is walked from ESI
// at bulk priority. Resolved entries are cached persistently.
func (c *Client) BootstrapShipCatalogue(ctx context.Context, csvPath string) error {
	if csvPath != "" {
		n, err := c.loadCatalogueCSV(csvPath)
		if err == nil {
			slog.Info("Ship catalogue loaded from CSV", "path", csvPath, "types", n)
			return nil
		}
		slog.Warn("Ship catalogue CSV load failed, falling back to ESI", "path", csvPath, "error", err)
	}
	return c.walkCatalogue(ctx)
}

// loadCatalogueCSV reads type_id,type_name,group_id,group_name rows into
// the persistent type and group namespaces.
func (c *Client) loadCatalogueCSV(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open ship types CSV: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4

	groups := make(map[int64]*Group)
	loaded := 0
	for line := 0; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return loaded, fmt.Errorf("failed to read ship types CSV: %w", err)
		}
		if line == 0 && record[0] == "type_id" {
			continue // header
		}

		typeID, err1 := strconv.ParseInt(record[0], 10, 64)
		groupID, err2 := strconv.ParseInt(record[2], 10, 64)
		if err1 != nil || err2 != nil {
			slog.Warn("Skipping malformed ship type row", "row", record)
			continue
		}

		c.cache.Put(cache.NSType, fmt.Sprintf("%d", typeID),
			&Type{ID: typeID, Name: record[1], GroupID: groupID}, cache.TTLForever)

		g, ok := groups[groupID]
		if !ok {
			g = &Group{ID: groupID, Name: record[3], CategoryID: 6}
			groups[groupID] = g
		}
		g.Types = append(g.Types, typeID)
		loaded++
	}

	for id, g := range groups {
		c.cache.Put(cache.NSGroup, fmt.Sprintf("%d", id), g, cache.TTLForever)
	}
	return loaded, nil
}

// walkCatalogue resolves group → types → type from ESI and re-caches the
// results persistently.
func (c *Client) walkCatalogue(ctx context.Context) error {
	ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityBulk)
	start := time.Now()

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)

	for _, groupID := range shipGroupIDs {
		g.Go(func() error {
			grp, err := c.Group(gctx, groupID)
			if err != nil {
				slog.Warn("Ship group resolve failed", "group_id", groupID, "error", err)
				return nil
			}
			c.cache.Put(cache.NSGroup, fmt.Sprintf("%d", groupID), grp, cache.TTLForever)

			for _, typeID := range grp.Types {
				tp, err := c.Type(gctx, typeID)
				if err != nil {
					slog.Warn("Ship type resolve failed", "type_id", typeID, "error", err)
					continue
				}
				c.cache.Put(cache.NSType, fmt.Sprintf("%d", typeID), tp, cache.TTLForever)
				total.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("Ship catalogue bootstrapped from ESI",
		"groups", len(shipGroupIDs), "types", total.Load(), "elapsed", time.Since(start))
	return nil
}

// ShipGroupName returns the group name for a bootstrapped ship type, or
// "" when the type is unknown or not a ship.
func (c *Client) ShipGroupName(typeID int64) (group string, category string) {
	v, ok := c.cache.Get(cache.NSType, fmt.Sprintf("%d", typeID))
	if !ok {
		return "", ""
	}
	tp, ok := v.(*Type)
	if !ok {
		return "", ""
	}
	gv, ok := c.cache.Get(cache.NSGroup, fmt.Sprintf("%d", tp.GroupID))
	if !ok {
		return "", ""
	}
	grp, ok := gv.(*Group)
	if !ok {
		return "", ""
	}
	if grp.CategoryID == 6 {
		return grp.Name, shipCategoryName
	}
	return grp.Name, ""
}
