package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"oneshot_market/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS agreements (
	id TEXT PRIMARY KEY,
	round_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	partner_id TEXT NOT NULL,
	role TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	delivery_time INTEGER NOT NULL,
	unit_price REAL NOT NULL,
	period INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agreements_agent ON agreements(agent_id, period);
CREATE INDEX IF NOT EXISTS idx_agreements_round ON agreements(round_id, created_at);

CREATE TABLE IF NOT EXISTS negotiation_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	round_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	partner_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_negotiation_events_round ON negotiation_events(round_id, created_at);
CREATE INDEX IF NOT EXISTS idx_negotiation_events_agent ON negotiation_events(agent_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) AppendAgreement(ctx context.Context, rec domain.AgreementRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agreements(
			id, round_id, agent_id, partner_id, role, quantity, delivery_time,
			unit_price, period, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RoundID, rec.AgentID, rec.PartnerID, string(rec.Role),
		rec.Outcome.Quantity, rec.Outcome.Time, rec.Outcome.UnitPrice,
		rec.Period, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append agreement: %w", err)
	}
	return nil
}

func (s *Store) ListAgreements(ctx context.Context, agentID string, period int) ([]domain.AgreementRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, round_id, agent_id, partner_id, role, quantity, delivery_time,
			unit_price, period, created_at
		FROM agreements
		WHERE agent_id = ? AND period = ?
		ORDER BY created_at ASC, id ASC`,
		agentID, period,
	)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AgreementRecord, 0)
	for rows.Next() {
		var rec domain.AgreementRecord
		var role string
		var created int64
		if err := rows.Scan(
			&rec.ID, &rec.RoundID, &rec.AgentID, &rec.PartnerID, &role,
			&rec.Outcome.Quantity, &rec.Outcome.Time, &rec.Outcome.UnitPrice,
			&rec.Period, &created,
		); err != nil {
			return nil, fmt.Errorf("scan agreement: %w", err)
		}
		rec.Role = domain.Role(role)
		rec.CreatedAt = unixToTime(created)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agreements: %w", err)
	}
	return result, nil
}

func (s *Store) ListRoundAgreements(ctx context.Context, roundID string) ([]domain.AgreementRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, round_id, agent_id, partner_id, role, quantity, delivery_time,
			unit_price, period, created_at
		FROM agreements
		WHERE round_id = ?
		ORDER BY created_at ASC, id ASC`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("list round agreements: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AgreementRecord, 0)
	for rows.Next() {
		var rec domain.AgreementRecord
		var role string
		var created int64
		if err := rows.Scan(
			&rec.ID, &rec.RoundID, &rec.AgentID, &rec.PartnerID, &role,
			&rec.Outcome.Quantity, &rec.Outcome.Time, &rec.Outcome.UnitPrice,
			&rec.Period, &created,
		); err != nil {
			return nil, fmt.Errorf("scan round agreement: %w", err)
		}
		rec.Role = domain.Role(role)
		rec.CreatedAt = unixToTime(created)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate round agreements: %w", err)
	}
	return result, nil
}

// SecuredQuantity sums the quantity an agent has already locked in for
// one period in the given role.
func (s *Store) SecuredQuantity(ctx context.Context, agentID string, period int, role domain.Role) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM agreements
		WHERE agent_id = ? AND period = ? AND role = ?`,
		agentID, period, string(role),
	)
	var total int
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("secured quantity: %w", err)
	}
	return total, nil
}

func (s *Store) LogEvent(ctx context.Context, ev domain.NegotiationEvent) error {
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO negotiation_events(round_id, agent_id, partner_id, kind, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		ev.RoundID, ev.AgentID, ev.PartnerID, ev.Kind, ev.Reason, payload, ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log negotiation event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, roundID string, limit int) ([]domain.NegotiationEvent, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, round_id, agent_id, partner_id, kind, reason, payload, created_at
		FROM negotiation_events
		WHERE round_id = ?
		ORDER BY id ASC
		LIMIT ?`,
		roundID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list negotiation events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.NegotiationEvent, 0, limit)
	for rows.Next() {
		var ev domain.NegotiationEvent
		var payload string
		var created int64
		if err := rows.Scan(
			&ev.ID, &ev.RoundID, &ev.AgentID, &ev.PartnerID, &ev.Kind, &ev.Reason, &payload, &created,
		); err != nil {
			return nil, fmt.Errorf("scan negotiation event: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.CreatedAt = unixToTime(created)
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate negotiation events: %w", err)
	}
	return result, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
