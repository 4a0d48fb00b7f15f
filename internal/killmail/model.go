// Package killmail holds the canonical killmail model and the
// parse → enrich → store → broadcast pipeline around it.
package killmail

import (
	"time"
)

// Position represents 3D coordinates in space.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Participant is one party on a killmail, either the victim or an
// attacker. Name fields are populated by the enricher; ids come straight
// from upstream. NPC participants may have no character id.
type Participant struct {
	CharacterID     *int64   `json:"character_id,omitempty"`
	CharacterName   *string  `json:"character_name,omitempty"`
	CorporationID   int64    `json:"corporation_id"`
	CorporationName *string  `json:"corporation_name,omitempty"`
	AllianceID      *int64   `json:"alliance_id,omitempty"`
	AllianceName    *string  `json:"alliance_name,omitempty"`
	FactionID       *int64   `json:"faction_id,omitempty"`
	FactionName     *string  `json:"faction_name,omitempty"`
	ShipTypeID      int64    `json:"ship_type_id"`
	ShipName        *string  `json:"ship_name,omitempty"`
	ShipGroup       *string  `json:"ship_group,omitempty"`
	ShipCategory    *string  `json:"ship_category,omitempty"`
	DamageTaken     int64    `json:"damage_taken,omitempty"`
	DamageDone      int64    `json:"damage_done,omitempty"`
	WeaponTypeID    *int64   `json:"weapon_type_id,omitempty"`
	WeaponName      *string  `json:"weapon_name,omitempty"`
	FinalBlow       bool     `json:"final_blow,omitempty"`
	SecurityStatus  *float64 `json:"security_status,omitempty"`
}

// ZKBMetadata is the killboard metadata block attached to every killmail.
type ZKBMetadata struct {
	Hash       string   `json:"hash"`
	TotalValue float64  `json:"total_value"`
	Points     int      `json:"points"`
	NPC        bool     `json:"npc"`
	Solo       bool     `json:"solo"`
	Awox       bool     `json:"awox"`
	Labels     []string `json:"labels,omitempty"`
}

// Killmail is the canonical record flowing through the pipeline. It is
// created unenriched by the parser, decorated with names by the enricher,
// then stored and broadcast.
type Killmail struct {
	KillmailID int64         `json:"killmail_id"`
	KillTime   time.Time     `json:"kill_time"`
	SystemID   int64         `json:"system_id"`
	Victim     Participant   `json:"victim"`
	Attackers  []Participant `json:"attackers"`
	ZKB        ZKBMetadata   `json:"zkb"`
	Position   *Position     `json:"position,omitempty"`
	Enriched   bool          `json:"-"`
}

// MaxSystemID is the upper bound for valid solar system ids.
const MaxSystemID = 32_000_000

// ValidSystemID reports whether id is a plausible solar system id.
func ValidSystemID(id int64) bool {
	return id > 0 && id <= MaxSystemID
}

// CharacterIDs returns the distinct character ids present on the killmail,
// victim included. NPC participants contribute nothing.
func (k *Killmail) CharacterIDs() []int64 {
	seen := make(map[int64]struct{}, len(k.Attackers)+1)
	ids := make([]int64, 0, len(k.Attackers)+1)
	add := func(id *int64) {
		if id == nil {
			return
		}
		if _, ok := seen[*id]; ok {
			return
		}
		seen[*id] = struct{}{}
		ids = append(ids, *id)
	}
	add(k.Victim.CharacterID)
	for i := range k.Attackers {
		add(k.Attackers[i].CharacterID)
	}
	return ids
}

// FinalBlowAttacker returns the attacker flagged with the final blow, or
// nil when upstream data is inconsistent.
func (k *Killmail) FinalBlowAttacker() *Participant {
	for i := range k.Attackers {
		if k.Attackers[i].FinalBlow {
			return &k.Attackers[i]
		}
	}
	return nil
}

// Reference is a killmail id plus the hash required to fetch the full body
// from ESI, as returned by the killboard history API.
type Reference struct {
	KillmailID int64       `json:"killmail_id"`
	ZKB        ZKBMetadata `json:"zkb"`
}
