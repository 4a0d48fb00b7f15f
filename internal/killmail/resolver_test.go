package killmail

import (
	"context"
	"fmt"
	"sync"

	"wanderer-kills/internal/esi"
	"wanderer-kills/pkg/apperr"
)

// fakeResolver is an in-memory esi.BulkResolver for tests. Unknown ids
// resolve to not_found.
type fakeResolver struct {
	mu           sync.Mutex
	characters   map[int64]*esi.Character
	corporations map[int64]*esi.Corporation
	alliances    map[int64]*esi.Alliance
	types        map[int64]*esi.Type
	groups       map[int64]*esi.Group
	killmails    map[string]*esi.KillmailBody
	killmailErr  error
	calls        map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		characters:   make(map[int64]*esi.Character),
		corporations: make(map[int64]*esi.Corporation),
		alliances:    make(map[int64]*esi.Alliance),
		types:        make(map[int64]*esi.Type),
		groups:       make(map[int64]*esi.Group),
		killmails:    make(map[string]*esi.KillmailBody),
		calls:        make(map[string]int),
	}
}

func (f *fakeResolver) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeResolver) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeResolver) Character(ctx context.Context, id int64) (*esi.Character, error) {
	f.record("character")
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.characters[id]; ok {
		return ch, nil
	}
	return nil, apperr.ErrESINotFound
}

func (f *fakeResolver) Corporation(ctx context.Context, id int64) (*esi.Corporation, error) {
	f.record("corporation")
	f.mu.Lock()
	defer f.mu.Unlock()
	if corp, ok := f.corporations[id]; ok {
		return corp, nil
	}
	return nil, apperr.ErrESINotFound
}

func (f *fakeResolver) Alliance(ctx context.Context, id int64) (*esi.Alliance, error) {
	f.record("alliance")
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.alliances[id]; ok {
		return a, nil
	}
	return nil, apperr.ErrESINotFound
}

func (f *fakeResolver) Type(ctx context.Context, id int64) (*esi.Type, error) {
	f.record("type")
	f.mu.Lock()
	defer f.mu.Unlock()
	if tp, ok := f.types[id]; ok {
		return tp, nil
	}
	return nil, apperr.ErrESINotFound
}

func (f *fakeResolver) Group(ctx context.Context, id int64) (*esi.Group, error) {
	f.record("group")
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.groups[id]; ok {
		return g, nil
	}
	return nil, apperr.ErrESINotFound
}

func (f *fakeResolver) Killmail(ctx context.Context, id int64, hash string) (*esi.KillmailBody, error) {
	f.record("killmail")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killmailErr != nil {
		return nil, f.killmailErr
	}
	if body, ok := f.killmails[fmt.Sprintf("%d:%s", id, hash)]; ok {
		return body, nil
	}
	return nil, apperr.ErrESINotFound
}

func (f *fakeResolver) Characters(ctx context.Context, ids []int64) map[int64]*esi.Character {
	out := make(map[int64]*esi.Character)
	for _, id := range ids {
		if ch, err := f.Character(ctx, id); err == nil {
			out[id] = ch
		}
	}
	return out
}

func (f *fakeResolver) Corporations(ctx context.Context, ids []int64) map[int64]*esi.Corporation {
	out := make(map[int64]*esi.Corporation)
	for _, id := range ids {
		if corp, err := f.Corporation(ctx, id); err == nil {
			out[id] = corp
		}
	}
	return out
}

func (f *fakeResolver) Alliances(ctx context.Context, ids []int64) map[int64]*esi.Alliance {
	out := make(map[int64]*esi.Alliance)
	for _, id := range ids {
		if a, err := f.Alliance(ctx, id); err == nil {
			out[id] = a
		}
	}
	return out
}

func (f *fakeResolver) Types(ctx context.Context, ids []int64) map[int64]*esi.Type {
	out := make(map[int64]*esi.Type)
	for _, id := range ids {
		if tp, err := f.Type(ctx, id); err == nil {
			out[id] = tp
		}
	}
	return out
}

// standardResolver returns a resolver pre-loaded with the fixtures the
// pipeline tests share.
func standardResolver() *fakeResolver {
	f := newFakeResolver()
	f.characters[1] = &esi.Character{ID: 1, Name: "c1", CorporationID: 100}
	f.characters[3] = &esi.Character{ID: 3, Name: "c3", CorporationID: 200}
	f.corporations[100] = &esi.Corporation{ID: 100, Name: "corpA", Ticker: "CRPA"}
	f.corporations[200] = &esi.Corporation{ID: 200, Name: "corpB", Ticker: "CRPB"}
	f.types[638] = &esi.Type{ID: 638, Name: "Raven", GroupID: 27}
	f.types[17918] = &esi.Type{ID: 17918, Name: "Rattlesnake", GroupID: 27}
	f.groups[27] = &esi.Group{ID: 27, Name: "Battleship", CategoryID: 6, Types: []int64{638, 17918}}
	return f
}
