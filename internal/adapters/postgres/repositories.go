package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tracker/internal/domain"
	"tracker/internal/ports"
)

// querier is satisfied by the pool and by transactions.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// DomainRepository

const domainColumns = `id, name, selectors, org_id, last_attempted_scan`

func scanDomain(row pgx.Row) (domain.Domain, error) {
	var d domain.Domain
	err := row.Scan(&d.ID, &d.Name, &d.Selectors, &d.OrgID, &d.LastAttemptedScan)
	return d, err
}

func (db *DB) ListDomains(ctx context.Context) ([]domain.Domain, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+domainColumns+` FROM domains ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (db *DB) GetDomainByName(ctx context.Context, name string) (domain.Domain, error) {
	d, err := scanDomain(db.Pool.QueryRow(ctx, `SELECT `+domainColumns+` FROM domains WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return d, ports.ErrNotFound
	}
	return d, err
}

func (db *DB) TouchLastAttempted(ctx context.Context, domainID string, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE domains SET last_attempted_scan = $2 WHERE id = $1`, domainID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (db *DB) OwningOrganization(ctx context.Context, name string) (*domain.Organization, error) {
	var org domain.Organization
	err := db.Pool.QueryRow(ctx, `
		SELECT o.id, o.name, o.verified
		FROM domains d
		JOIN organizations o ON o.id = d.org_id
		WHERE d.name = $1
	`, name).Scan(&org.ID, &org.Name, &org.Verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// ScanStore

func (db *DB) CreatePending(ctx context.Context, ev domain.PendingEvent) error {
	var domainID *string
	if ev.DomainID != "" {
		domainID = &ev.DomainID
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO scan_events (scan_id, domain_id, domain, protocols, status, issued_at, deadline)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6)
		ON CONFLICT (scan_id) DO NOTHING
	`, ev.ScanID, domainID, ev.Domain, protocolStrings(ev.Protocols), ev.IssuedAt, ev.Deadline)
	return err
}

// RecordOutcome locks the event row so concurrent results for the same scan
// are applied one at a time and exactly one caller sees Complete.
func (db *DB) RecordOutcome(ctx context.Context, scanID string, p domain.Protocol, res domain.ProtocolResult) (rec ports.Recorded, err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return rec, err
	}
	defer endTx(ctx, tx, &err)

	ev, err := loadEvent(ctx, tx, scanID, true)
	if errors.Is(err, ports.ErrNotFound) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	rec.Event = ev
	if ev.Status != domain.EventPending || !expects(ev, p) {
		return rec, nil
	}
	if _, dup := ev.Results[p]; dup {
		return rec, nil
	}

	var payload []byte
	if len(res.Payload) > 0 {
		payload = res.Payload
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO scan_results (scan_id, protocol, status, reason, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, scanID, string(p), string(res.Status), res.Reason, payload, res.ReceivedAt); err != nil {
		return rec, err
	}
	ev.Results[p] = res
	rec.Event = ev
	rec.Accepted = true
	rec.Complete = len(ev.Outstanding()) == 0
	return rec, nil
}

func (db *DB) Finalize(ctx context.Context, scanID string, tags map[string][]string, completedAt time.Time) error {
	encoded, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE scan_events SET status = 'complete', tags = $2, completed_at = $3 WHERE scan_id = $1
	`, scanID, encoded, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (db *DB) GetEvent(ctx context.Context, scanID string) (domain.ScanEvent, error) {
	return loadEvent(ctx, db.Pool, scanID, false)
}

func (db *DB) ListOverdue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT scan_id FROM scan_events WHERE status = 'pending' AND deadline < $1 ORDER BY scan_id
	`, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (db *DB) RecordKeys(ctx context.Context, name string, keys []domain.KeyObservation) error {
	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(`INSERT INTO dkim_keys (domain, selector, modulus, observed_at) VALUES ($1, $2, $3, $4)`,
			name, k.Selector, k.Modulus, k.ObservedAt)
	}
	return db.Pool.SendBatch(ctx, batch).Close()
}

func (db *DB) KeyHistory(ctx context.Context, name, selector string, since time.Time) ([]domain.KeyObservation, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT selector, modulus, observed_at FROM dkim_keys
		WHERE domain = $1 AND selector = $2 AND observed_at >= $3
		ORDER BY observed_at
	`, name, selector, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.KeyObservation
	for rows.Next() {
		var k domain.KeyObservation
		if err := rows.Scan(&k.Selector, &k.Modulus, &k.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ReplaceMxSnapshot serialises writers per domain with a transaction-scoped
// advisory lock, so two concurrent scans of one domain cannot both read the
// same previous snapshot.
func (db *DB) ReplaceMxSnapshot(ctx context.Context, next domain.MxSnapshot) (prev *domain.MxSnapshot, err error) {
	hosts, err := json.Marshal(next.Hosts)
	if err != nil {
		return nil, err
	}
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer endTx(ctx, tx, &err)

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, next.Domain); err != nil {
		return nil, err
	}
	var raw []byte
	var observed time.Time
	err = tx.QueryRow(ctx, `
		SELECT hosts, observed_at FROM mx_snapshots WHERE domain = $1 ORDER BY id DESC LIMIT 1
	`, next.Domain).Scan(&raw, &observed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		err = nil
	case err != nil:
		return nil, err
	default:
		prev = &domain.MxSnapshot{Domain: next.Domain, ObservedAt: observed}
		if err = json.Unmarshal(raw, &prev.Hosts); err != nil {
			return nil, fmt.Errorf("decode mx snapshot for %s: %w", next.Domain, err)
		}
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO mx_snapshots (domain, hosts, observed_at) VALUES ($1, $2, $3)
	`, next.Domain, hosts, next.ObservedAt); err != nil {
		return nil, err
	}
	return prev, nil
}

func loadEvent(ctx context.Context, q querier, scanID string, lock bool) (domain.ScanEvent, error) {
	query := `
		SELECT scan_id, COALESCE(domain_id, ''), domain, protocols, status, issued_at, deadline, completed_at, tags
		FROM scan_events WHERE scan_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		ev        domain.ScanEvent
		protocols []string
		status    string
		tags      []byte
	)
	err := q.QueryRow(ctx, query, scanID).Scan(&ev.ScanID, &ev.DomainID, &ev.Domain, &protocols, &status,
		&ev.IssuedAt, &ev.Deadline, &ev.CompletedAt, &tags)
	if errors.Is(err, pgx.ErrNoRows) {
		return ev, ports.ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.Status = domain.EventStatus(status)
	for _, p := range protocols {
		ev.Protocols = append(ev.Protocols, domain.Protocol(p))
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &ev.Tags); err != nil {
			return ev, fmt.Errorf("decode tags for scan %s: %w", scanID, err)
		}
	}

	rows, err := q.Query(ctx, `
		SELECT protocol, status, reason, payload, received_at FROM scan_results WHERE scan_id = $1
	`, scanID)
	if err != nil {
		return ev, err
	}
	defer rows.Close()
	ev.Results = map[domain.Protocol]domain.ProtocolResult{}
	for rows.Next() {
		var (
			p, st   string
			r       domain.ProtocolResult
			payload []byte
		)
		if err := rows.Scan(&p, &st, &r.Reason, &payload, &r.ReceivedAt); err != nil {
			return ev, err
		}
		r.Status = domain.JobStatus(st)
		if len(payload) > 0 {
			r.Payload = json.RawMessage(payload)
		}
		ev.Results[domain.Protocol(p)] = r
	}
	return ev, rows.Err()
}

func expects(ev domain.ScanEvent, p domain.Protocol) bool {
	for _, e := range ev.Protocols {
		if e == p {
			return true
		}
	}
	return false
}

func protocolStrings(ps []domain.Protocol) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
