package storage

import "database/sql"

// Message is a persisted direct or group message. Content is stored in
// the clear; the database file is expected to live inside the user's
// protected profile directory.
type Message struct {
	MessageID      string
	ConversationID string
	GroupID        string
	SenderDID      string
	RecipientDID   string
	ThreadID       string
	Content        string
	Timestamp      int64
	Status         string
}

// SaveMessage inserts a message. Saving the same message id twice is a
// no-op, so offline replay never duplicates rows.
func (d *DB) SaveMessage(msg *Message) error {
	query := `
		INSERT OR IGNORE INTO messages (
			message_id, conversation_id, group_id, sender_did,
			recipient_did, thread_id, content, timestamp, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.Exec(
		query,
		msg.MessageID,
		msg.ConversationID,
		msg.GroupID,
		msg.SenderDID,
		msg.RecipientDID,
		msg.ThreadID,
		msg.Content,
		msg.Timestamp,
		msg.Status,
	)
	return err
}

// Message retrieves one message by id.
func (d *DB) Message(messageID string) (*Message, error) {
	query := `
		SELECT message_id, conversation_id, group_id, sender_did,
		       recipient_did, thread_id, content, timestamp, status
		FROM messages WHERE message_id = ?
	`
	row := d.db.QueryRow(query, messageID)

	var msg Message
	err := row.Scan(
		&msg.MessageID,
		&msg.ConversationID,
		&msg.GroupID,
		&msg.SenderDID,
		&msg.RecipientDID,
		&msg.ThreadID,
		&msg.Content,
		&msg.Timestamp,
		&msg.Status,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MessagesByConversation retrieves a page of a conversation's messages,
// oldest first.
func (d *DB) MessagesByConversation(conversationID string, limit, offset int) ([]*Message, error) {
	query := `
		SELECT message_id, conversation_id, group_id, sender_did,
		       recipient_did, thread_id, content, timestamp, status
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC
		LIMIT ? OFFSET ?
	`
	rows, err := d.db.Query(query, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		err := rows.Scan(
			&msg.MessageID,
			&msg.ConversationID,
			&msg.GroupID,
			&msg.SenderDID,
			&msg.RecipientDID,
			&msg.ThreadID,
			&msg.Content,
			&msg.Timestamp,
			&msg.Status,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// UpdateMessageStatus updates the delivery status of a message.
func (d *DB) UpdateMessageStatus(messageID string, status string) error {
	query := `UPDATE messages SET status = ? WHERE message_id = ?`
	_, err := d.db.Exec(query, status, messageID)
	return err
}

// DeleteMessage deletes a message.
func (d *DB) DeleteMessage(messageID string) error {
	query := `DELETE FROM messages WHERE message_id = ?`
	_, err := d.db.Exec(query, messageID)
	return err
}
