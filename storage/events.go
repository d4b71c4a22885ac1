package storage

import (
	"errors"
	"fmt"
)

// RecordPairingEvent appends one row to the pairing audit log.
func (s *Store) RecordPairingEvent(event PairingEvent) error {
	if event.EventType == "" {
		return errors.New("event_type is required")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO pairing_events (event_type, peer_id, details, timestamp)
		VALUES (?, ?, ?, ?)`,
		event.EventType,
		event.PeerID,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert pairing event: %w", err)
	}

	return nil
}

// ListPairingEvents returns the most recent audit rows, newest first.
func (s *Store) ListPairingEvents(limit int) ([]PairingEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, event_type, peer_id, details, timestamp
		FROM pairing_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pairing events: %w", err)
	}
	defer rows.Close()

	events := make([]PairingEvent, 0)
	for rows.Next() {
		var event PairingEvent
		var peerID *string
		if err := rows.Scan(&event.ID, &event.EventType, &peerID, &event.Details, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pairing event row: %w", err)
		}
		if peerID != nil {
			event.PeerID = *peerID
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairing event rows: %w", err)
	}

	return events, nil
}

// PrunePairingEventsBefore deletes audit rows stamped before the cutoff and
// returns the number removed.
func (s *Store) PrunePairingEventsBefore(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM pairing_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune pairing events: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned pairing events: %w", err)
	}
	return removed, nil
}
