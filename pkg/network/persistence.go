package network

import (
	"encoding/base64"
	"fmt"
	"log"

	"github.com/umbra-im/umbra-node/pkg/crypto"
	"github.com/umbra-im/umbra-node/pkg/protocol"
)

// LoadPersistedState hydrates friends and groups from the attached
// database. Called once at startup, before the first connect, so offline
// replay finds its senders already known.
func (c *Client) LoadPersistedState() error {
	if c.messageDB == nil {
		return nil
	}

	friends, err := c.messageDB.Friends()
	if err != nil {
		return fmt.Errorf("failed to load friends: %v", err)
	}
	for _, f := range friends {
		signingKey, err := crypto.DecodeKey(f.SigningKey)
		if err != nil {
			log.Printf("Skipping friend %s with invalid signing key", f.DID)
			continue
		}
		encryptionKey, err := crypto.DecodeKey(f.EncryptionKey)
		if err != nil {
			log.Printf("Skipping friend %s with invalid encryption key", f.DID)
			continue
		}
		record := &FriendRecord{
			DID:            protocol.DID(f.DID),
			DisplayName:    f.DisplayName,
			SigningKey:     signingKey,
			EncryptionKey:  encryptionKey,
			ConversationID: protocol.ConversationID(f.ConversationID),
		}
		c.dataMu.Lock()
		c.friends[record.DID] = record
		c.dataMu.Unlock()
	}

	requests, err := c.messageDB.PendingRequests()
	if err != nil {
		return fmt.Errorf("failed to load pending requests: %v", err)
	}
	for _, r := range requests {
		signingKey, _ := crypto.DecodeKey(r.SigningKey)
		encryptionKey, _ := crypto.DecodeKey(r.EncryptionKey)
		pending := &PendingRequest{
			ID:            r.ID,
			PeerDID:       protocol.DID(r.PeerDID),
			Direction:     Direction(r.Direction),
			DisplayName:   r.DisplayName,
			SigningKey:    signingKey,
			EncryptionKey: encryptionKey,
			Message:       r.Message,
		}
		c.dataMu.Lock()
		c.pendingRequests[pending.ID] = pending
		c.dataMu.Unlock()
	}

	groups, err := c.messageDB.Groups()
	if err != nil {
		return fmt.Errorf("failed to load groups: %v", err)
	}
	for _, g := range groups {
		key, err := base64.StdEncoding.DecodeString(g.Key)
		if err != nil {
			log.Printf("Skipping group %s with invalid key", g.GroupID)
			continue
		}
		record := &GroupRecord{
			GroupID:    g.GroupID,
			Name:       g.Name,
			Key:        key,
			KeyVersion: g.KeyVersion,
			Members:    make(map[protocol.DID]*GroupMember),
		}
		// Roles are not persisted; the roster converges through member
		// removal and rotation envelopes.
		for _, did := range g.Members {
			record.Members[protocol.DID(did)] = &GroupMember{
				DID:  protocol.DID(did),
				Role: protocol.GroupRoleMember,
			}
		}
		c.dataMu.Lock()
		c.groups[record.GroupID] = record
		c.dataMu.Unlock()
	}

	log.Printf("Loaded %d friend(s) and %d group(s) from storage", len(friends), len(groups))
	return nil
}
