package killmail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func sampleKillmail() *Killmail {
	return &Killmail{
		KillmailID: 12345,
		KillTime:   testNow,
		SystemID:   30000142,
		Victim: Participant{
			CharacterID:   int64p(1),
			CorporationID: 100,
			ShipTypeID:    638,
			DamageTaken:   5000,
		},
		Attackers: []Participant{
			{
				CharacterID:   int64p(3),
				CorporationID: 200,
				ShipTypeID:    17918,
				WeaponTypeID:  int64p(17918),
				DamageDone:    5000,
				FinalBlow:     true,
			},
		},
		ZKB: ZKBMetadata{Hash: "abc123"},
	}
}

func TestEnrichResolvesNames(t *testing.T) {
	e := NewEnricher(standardResolver(), EnricherOptions{})

	km := sampleKillmail()
	e.Enrich(context.Background(), km)

	assert.True(t, km.Enriched)
	require.NotNil(t, km.Victim.CharacterName)
	assert.Equal(t, "c1", *km.Victim.CharacterName)
	require.NotNil(t, km.Victim.CorporationName)
	assert.Equal(t, "corpA", *km.Victim.CorporationName)
	require.NotNil(t, km.Victim.ShipName)
	assert.Equal(t, "Raven", *km.Victim.ShipName)
	require.NotNil(t, km.Victim.ShipGroup)
	assert.Equal(t, "Battleship", *km.Victim.ShipGroup)
	require.NotNil(t, km.Victim.ShipCategory)
	assert.Equal(t, "Ship", *km.Victim.ShipCategory)

	att := km.Attackers[0]
	require.NotNil(t, att.CharacterName)
	assert.Equal(t, "c3", *att.CharacterName)
	require.NotNil(t, att.CorporationName)
	assert.Equal(t, "corpB", *att.CorporationName)
	require.NotNil(t, att.ShipName)
	assert.Equal(t, "Rattlesnake", *att.ShipName)
	require.NotNil(t, att.WeaponName)
	assert.Equal(t, "Rattlesnake", *att.WeaponName)

	assert.Equal(t, int64(1), e.Stats().Enriched)
}

func TestEnrichPartialFailureKeepsIDs(t *testing.T) {
	resolver := standardResolver()
	delete(resolver.characters, 3) // attacker character unresolvable
	e := NewEnricher(resolver, EnricherOptions{})

	km := sampleKillmail()
	e.Enrich(context.Background(), km)

	assert.True(t, km.Enriched)
	assert.Nil(t, km.Attackers[0].CharacterName)
	require.NotNil(t, km.Attackers[0].CharacterID)
	assert.Equal(t, int64(3), *km.Attackers[0].CharacterID)
	require.NotNil(t, km.Victim.CharacterName)
	assert.Equal(t, int64(1), e.Stats().Partial)
}

func TestEnrichTotalFailureStillEmits(t *testing.T) {
	e := NewEnricher(newFakeResolver(), EnricherOptions{})

	km := sampleKillmail()
	e.Enrich(context.Background(), km)

	assert.False(t, km.Enriched)
	assert.Nil(t, km.Victim.CharacterName)
	assert.Equal(t, int64(1), e.Stats().Failed)
}

func TestEnrichParallelAboveThreshold(t *testing.T) {
	resolver := standardResolver()
	e := NewEnricher(resolver, EnricherOptions{MinParallel: 3})

	km := sampleKillmail()
	km.Attackers = append(km.Attackers,
		Participant{CharacterID: int64p(1), CorporationID: 100, ShipTypeID: 638},
		Participant{CharacterID: int64p(3), CorporationID: 200, ShipTypeID: 17918},
	)
	e.Enrich(context.Background(), km)

	assert.True(t, km.Enriched)
	for i := range km.Attackers {
		require.NotNil(t, km.Attackers[i].CharacterName, "attacker %d", i)
		require.NotNil(t, km.Attackers[i].ShipName, "attacker %d", i)
	}
	// Distinct ids resolve once each regardless of how many participants
	// reference them.
	assert.Equal(t, 2, resolver.callCount("character"))
	assert.Equal(t, 2, resolver.callCount("corporation"))
}

func TestEnrichNPCVictim(t *testing.T) {
	e := NewEnricher(standardResolver(), EnricherOptions{})

	km := sampleKillmail()
	km.Victim.CharacterID = nil // NPC structures carry no character
	e.Enrich(context.Background(), km)

	assert.True(t, km.Enriched)
	assert.Nil(t, km.Victim.CharacterName)
	require.NotNil(t, km.Victim.CorporationName)
}
