package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Group is a persisted group membership. Key holds the current shared
// key base64 encoded; Members holds the roster DIDs.
type Group struct {
	GroupID    string
	Name       string
	Key        string
	KeyVersion int
	Members    []string
}

// SaveGroup inserts or replaces a group.
func (d *DB) SaveGroup(g *Group) error {
	members, err := json.Marshal(g.Members)
	if err != nil {
		return fmt.Errorf("failed to encode members: %v", err)
	}

	query := `
		INSERT OR REPLACE INTO groups (group_id, name, key, key_version, members)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = d.db.Exec(query, g.GroupID, g.Name, g.Key, g.KeyVersion, string(members))
	return err
}

// Group retrieves one group by id.
func (d *DB) Group(groupID string) (*Group, error) {
	query := `SELECT group_id, name, key, key_version, members FROM groups WHERE group_id = ?`
	row := d.db.QueryRow(query, groupID)

	var g Group
	var members string
	err := row.Scan(&g.GroupID, &g.Name, &g.Key, &g.KeyVersion, &members)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(members), &g.Members); err != nil {
		return nil, fmt.Errorf("failed to decode members: %v", err)
	}
	return &g, nil
}

// Groups retrieves all groups, ordered by id.
func (d *DB) Groups() ([]*Group, error) {
	query := `SELECT group_id, name, key, key_version, members FROM groups ORDER BY group_id`
	rows, err := d.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		var g Group
		var members string
		if err := rows.Scan(&g.GroupID, &g.Name, &g.Key, &g.KeyVersion, &members); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(members), &g.Members); err != nil {
			return nil, fmt.Errorf("failed to decode members: %v", err)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// DeleteGroup removes a group.
func (d *DB) DeleteGroup(groupID string) error {
	query := `DELETE FROM groups WHERE group_id = ?`
	_, err := d.db.Exec(query, groupID)
	return err
}
