package storage

// PendingRequest is a persisted in-flight friend request.
type PendingRequest struct {
	ID            string
	PeerDID       string
	Direction     string
	DisplayName   string
	SigningKey    string
	EncryptionKey string
	Message       string
	CreatedAt     int64
}

// SavePendingRequest inserts or replaces an in-flight request.
func (d *DB) SavePendingRequest(r *PendingRequest) error {
	query := `
		INSERT OR REPLACE INTO pending_requests (
			id, peer_did, direction, display_name, signing_key,
			encryption_key, message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.Exec(query, r.ID, r.PeerDID, r.Direction, r.DisplayName,
		r.SigningKey, r.EncryptionKey, r.Message, r.CreatedAt)
	return err
}

// PendingRequests retrieves all in-flight requests, ordered by id.
func (d *DB) PendingRequests() ([]*PendingRequest, error) {
	query := `
		SELECT id, peer_did, direction, display_name, signing_key,
		       encryption_key, message, created_at
		FROM pending_requests ORDER BY id
	`
	rows, err := d.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*PendingRequest
	for rows.Next() {
		var r PendingRequest
		err := rows.Scan(&r.ID, &r.PeerDID, &r.Direction, &r.DisplayName,
			&r.SigningKey, &r.EncryptionKey, &r.Message, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		requests = append(requests, &r)
	}
	return requests, rows.Err()
}

// DeletePendingRequest removes a settled request.
func (d *DB) DeletePendingRequest(id string) error {
	query := `DELETE FROM pending_requests WHERE id = ?`
	_, err := d.db.Exec(query, id)
	return err
}
