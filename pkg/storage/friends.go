package storage

import "database/sql"

// Friend is a persisted contact. Keys are stored base58 encoded, the
// same encoding they travel in on the wire.
type Friend struct {
	DID            string
	DisplayName    string
	SigningKey     string
	EncryptionKey  string
	ConversationID string
	AddedAt        int64
}

// SaveFriend inserts or replaces a contact.
func (d *DB) SaveFriend(f *Friend) error {
	query := `
		INSERT OR REPLACE INTO friends (
			did, display_name, signing_key, encryption_key, conversation_id, added_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.Exec(query, f.DID, f.DisplayName, f.SigningKey, f.EncryptionKey, f.ConversationID, f.AddedAt)
	return err
}

// Friend retrieves one contact by DID.
func (d *DB) Friend(did string) (*Friend, error) {
	query := `
		SELECT did, display_name, signing_key, encryption_key, conversation_id, added_at
		FROM friends WHERE did = ?
	`
	row := d.db.QueryRow(query, did)

	var f Friend
	err := row.Scan(&f.DID, &f.DisplayName, &f.SigningKey, &f.EncryptionKey, &f.ConversationID, &f.AddedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Friends retrieves all contacts, ordered by DID.
func (d *DB) Friends() ([]*Friend, error) {
	query := `
		SELECT did, display_name, signing_key, encryption_key, conversation_id, added_at
		FROM friends ORDER BY did
	`
	rows, err := d.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []*Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.DID, &f.DisplayName, &f.SigningKey, &f.EncryptionKey, &f.ConversationID, &f.AddedAt); err != nil {
			return nil, err
		}
		friends = append(friends, &f)
	}
	return friends, rows.Err()
}

// DeleteFriend removes a contact.
func (d *DB) DeleteFriend(did string) error {
	query := `DELETE FROM friends WHERE did = ?`
	_, err := d.db.Exec(query, did)
	return err
}
