package storage

import (
	"time"
)

// PeerRecord remembers an endpoint this device completed a connection with.
// Endpoint ids are only stable for transports with persistent identities.
type PeerRecord struct {
	EndpointID    string    `json:"endpoint_id"`
	Name          string    `json:"name"`
	Role          string    `json:"role"` // local role during the last connection
	Times         int       `json:"times"`
	LastConnected time.Time `json:"last_connected"`
}

// RecordConnection notes a completed connection, bumping the counter.
func (d *DB) RecordConnection(endpointID, name, role string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peer_history (endpoint_id, name, role, times, last_connected)
		VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(endpoint_id) DO UPDATE SET
			name           = excluded.name,
			role           = excluded.role,
			times          = _peer_history.times + 1,
			last_connected = CURRENT_TIMESTAMP
	`, endpointID, name, role)
	return err
}

// PeerHistory returns the most recently connected endpoints first.
func (d *DB) PeerHistory(limit int) ([]PeerRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT endpoint_id, name, role, times, last_connected
		FROM _peer_history
		ORDER BY last_connected DESC, endpoint_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		var r PeerRecord
		if err := rows.Scan(&r.EndpointID, &r.Name, &r.Role, &r.Times, &r.LastConnected); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ForgetPeer removes one endpoint from the history.
func (d *DB) ForgetPeer(endpointID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _peer_history WHERE endpoint_id = ?`, endpointID)
	return err
}
