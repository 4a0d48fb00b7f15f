package killmail

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"wanderer-kills/internal/esi"
	"wanderer-kills/pkg/apperr"
	"wanderer-kills/pkg/clock"
)

// RedisQResponse is one long-poll result from the RedisQ stream. A null
// package means the queue had nothing for us.
type RedisQResponse struct {
	Package *RedisQPackage `json:"package"`
}

// RedisQPackage is the killmail payload inside a RedisQ response.
type RedisQPackage struct {
	KillID   int64           `json:"killID"`
	Killmail json.RawMessage `json:"killmail"`
	ZKB      ZKBMetadata     `json:"zkb"`
}

// ParserStats counts parser outcomes.
type ParserStats struct {
	Parsed     atomic.Int64
	Empty      atomic.Int64
	SkippedOld atomic.Int64
	Invalid    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Parsed     int64 `json:"parsed"`
	Empty      int64 `json:"empty"`
	SkippedOld int64 `json:"skipped_old"`
	Invalid    int64 `json:"invalid"`
}

// Parser shape-detects killmail input and normalizes it into the
// canonical model. Partial records (id + hash references) are completed
// by fetching the full body from ESI.
type Parser struct {
	resolver esi.Resolver
	clk      clock.Clock
	cutoff   time.Duration
	stats    ParserStats
}

// NewParser creates a parser. cutoff drops records older than the given
// age before enrichment.
func NewParser(resolver esi.Resolver, clk clock.Clock, cutoff time.Duration) *Parser {
	if cutoff <= 0 {
		cutoff = time.Hour
	}
	return &Parser{resolver: resolver, clk: clk, cutoff: cutoff}
}

// Stats returns a snapshot of parser counters.
func (p *Parser) Stats() StatsSnapshot {
	return StatsSnapshot{
		Parsed:     p.stats.Parsed.Load(),
		Empty:      p.stats.Empty.Load(),
		SkippedOld: p.stats.SkippedOld.Load(),
		Invalid:    p.stats.Invalid.Load(),
	}
}

// ParseRedisQ handles one raw RedisQ response body. An empty package
// returns (nil, nil): drop and continue polling.
func (p *Parser) ParseRedisQ(ctx context.Context, body []byte) (*Killmail, error) {
	var resp RedisQResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		p.stats.Invalid.Add(1)
		return nil, apperr.Wrap(apperr.DomainParsing, "invalid_format", "undecodable RedisQ response", false, err)
	}
	if resp.Package == nil {
		p.stats.Empty.Add(1)
		return nil, nil
	}
	return p.parsePackage(resp.Package)
}

// parsePackage converts a stream-full package into a canonical killmail.
func (p *Parser) parsePackage(pkg *RedisQPackage) (*Killmail, error) {
	if len(pkg.Killmail) == 0 {
		p.stats.Invalid.Add(1)
		return nil, apperr.New(apperr.DomainParsing, "missing_field", "package without killmail body", false)
	}

	var body esi.KillmailBody
	if err := json.Unmarshal(pkg.Killmail, &body); err != nil {
		p.stats.Invalid.Add(1)
		return nil, apperr.Wrap(apperr.DomainParsing, "invalid_format", "undecodable killmail body", false, err)
	}
	if body.KillmailID == 0 && pkg.KillID != 0 {
		body.KillmailID = pkg.KillID
	}
	return p.fromBody(&body, pkg.ZKB)
}

// ParseReference completes a killboard reference by fetching the full
// body from ESI, then normalizes it.
func (p *Parser) ParseReference(ctx context.Context, ref Reference) (*Killmail, error) {
	if ref.KillmailID <= 0 || ref.ZKB.Hash == "" {
		p.stats.Invalid.Add(1)
		return nil, apperr.New(apperr.DomainParsing, "missing_field", "reference without id or hash", false)
	}

	body, err := p.resolver.Killmail(ctx, ref.KillmailID, ref.ZKB.Hash)
	if err != nil {
		return nil, err
	}
	return p.fromBody(body, ref.ZKB)
}

// ParseFull normalizes an already-complete killmail body.
func (p *Parser) ParseFull(body *esi.KillmailBody, zkb ZKBMetadata) (*Killmail, error) {
	return p.fromBody(body, zkb)
}

// fromBody validates the decoded body and builds the canonical record,
// renaming solar_system_id → system_id and killmail_time → kill_time.
func (p *Parser) fromBody(body *esi.KillmailBody, zkb ZKBMetadata) (*Killmail, error) {
	switch {
	case body.KillmailID <= 0:
		p.stats.Invalid.Add(1)
		return nil, apperr.New(apperr.DomainParsing, "missing_field", "killmail_id missing", false)
	case !ValidSystemID(body.SolarSystemID):
		p.stats.Invalid.Add(1)
		return nil, apperr.New(apperr.DomainParsing, "missing_field", "solar_system_id missing or out of range", false)
	case body.KillmailTime.IsZero():
		p.stats.Invalid.Add(1)
		return nil, apperr.New(apperr.DomainParsing, "missing_field", "killmail_time missing", false)
	case len(body.Attackers) == 0:
		p.stats.Invalid.Add(1)
		return nil, apperr.New(apperr.DomainParsing, "missing_field", "attackers missing", false)
	}

	if p.clk.Now().Sub(body.KillmailTime) > p.cutoff {
		p.stats.SkippedOld.Add(1)
		slog.Debug("Dropping stale killmail",
			"killmail_id", body.KillmailID, "kill_time", body.KillmailTime)
		return nil, nil
	}

	km := &Killmail{
		KillmailID: body.KillmailID,
		KillTime:   body.KillmailTime,
		SystemID:   body.SolarSystemID,
		ZKB:        zkb,
		Victim: Participant{
			CharacterID:   body.Victim.CharacterID,
			CorporationID: body.Victim.CorporationID,
			AllianceID:    body.Victim.AllianceID,
			FactionID:     body.Victim.FactionID,
			ShipTypeID:    body.Victim.ShipTypeID,
			DamageTaken:   body.Victim.DamageTaken,
		},
	}
	if body.Victim.Position != nil {
		km.Position = &Position{X: body.Victim.Position.X, Y: body.Victim.Position.Y, Z: body.Victim.Position.Z}
	}

	km.Attackers = make([]Participant, len(body.Attackers))
	for i, att := range body.Attackers {
		a := Participant{
			CharacterID:    att.CharacterID,
			AllianceID:     att.AllianceID,
			FactionID:      att.FactionID,
			WeaponTypeID:   att.WeaponTypeID,
			DamageDone:     att.DamageDone,
			FinalBlow:      att.FinalBlow,
			SecurityStatus: att.SecurityStatus,
		}
		if att.CorporationID != nil {
			a.CorporationID = *att.CorporationID
		}
		if att.ShipTypeID != nil {
			a.ShipTypeID = *att.ShipTypeID
		}
		km.Attackers[i] = a
	}

	p.stats.Parsed.Add(1)
	return km, nil
}
