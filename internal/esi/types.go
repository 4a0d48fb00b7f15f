// Package esi resolves identity metadata from the EVE Swagger Interface:
// characters, corporations, alliances, ship types and groups, and full
// killmail bodies. Every lookup is cached; batched variants fan out with
// bounded concurrency.
package esi

import "time"

// Character is the subset of ESI character data the service uses.
type Character struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	CorporationID int64  `json:"corporation_id"`
	AllianceID    *int64 `json:"alliance_id,omitempty"`
}

// Corporation is the subset of ESI corporation data the service uses.
type Corporation struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Ticker     string `json:"ticker"`
	AllianceID *int64 `json:"alliance_id,omitempty"`
}

// Alliance is the subset of ESI alliance data the service uses.
type Alliance struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// Type is one inventory type (ship hull, weapon, module).
type Type struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	GroupID int64  `json:"group_id"`
}

// Group is one inventory group with its member types.
type Group struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	CategoryID int64   `json:"category_id"`
	Types      []int64 `json:"types"`
}

// KillmailBody is the full killmail record as returned by ESI.
type KillmailBody struct {
	KillmailID    int64          `json:"killmail_id"`
	KillmailTime  time.Time      `json:"killmail_time"`
	SolarSystemID int64          `json:"solar_system_id"`
	Victim        BodyVictim     `json:"victim"`
	Attackers     []BodyAttacker `json:"attackers"`
}

// BodyVictim is the victim block of an ESI killmail.
type BodyVictim struct {
	CharacterID   *int64        `json:"character_id,omitempty"`
	CorporationID int64         `json:"corporation_id"`
	AllianceID    *int64        `json:"alliance_id,omitempty"`
	FactionID     *int64        `json:"faction_id,omitempty"`
	ShipTypeID    int64         `json:"ship_type_id"`
	DamageTaken   int64         `json:"damage_taken"`
	Position      *BodyPosition `json:"position,omitempty"`
}

// BodyAttacker is one attacker block of an ESI killmail.
type BodyAttacker struct {
	CharacterID    *int64   `json:"character_id,omitempty"`
	CorporationID  *int64   `json:"corporation_id,omitempty"`
	AllianceID     *int64   `json:"alliance_id,omitempty"`
	FactionID      *int64   `json:"faction_id,omitempty"`
	ShipTypeID     *int64   `json:"ship_type_id,omitempty"`
	WeaponTypeID   *int64   `json:"weapon_type_id,omitempty"`
	DamageDone     int64    `json:"damage_done"`
	FinalBlow      bool     `json:"final_blow"`
	SecurityStatus *float64 `json:"security_status,omitempty"`
}

// BodyPosition is the optional wreck position.
type BodyPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}
