package network

import (
	"encoding/base64"
	"log"
	"sort"

	"github.com/umbra-im/umbra-node/pkg/crypto"
	"github.com/umbra-im/umbra-node/pkg/protocol"
	"github.com/umbra-im/umbra-node/pkg/storage"
)

// GroupMember is one member of a group as known locally.
type GroupMember struct {
	DID         protocol.DID
	DisplayName string
	Role        protocol.GroupRole
}

// GroupRecord is a group we belong to, including the current shared key.
// KeyVersion increments on every rotation; messages carry the version they
// were encrypted under.
type GroupRecord struct {
	GroupID    string
	Name       string
	Key        []byte
	KeyVersion int
	Members    map[protocol.DID]*GroupMember
}

// PendingGroupInvite is a received invite awaiting accept or decline. The
// wrapped group key stays sealed until the invite is accepted.
type PendingGroupInvite struct {
	InviteID          string
	GroupID           string
	GroupName         string
	InviterDID        protocol.DID
	EncryptedGroupKey string
	Nonce             string
	KeyVersion        int
	Members           []protocol.GroupMemberInfo
	Timestamp         int64
}

// CreateGroup creates a group with the caller as admin and invites the
// given friends. An empty member list invites every current friend. Each
// invite carries the group key wrapped for that member alone; the key
// itself never travels in the clear.
func (c *Client) CreateGroup(name string, members []protocol.DID) (*GroupRecord, error) {
	if len(members) == 0 {
		for _, friend := range c.Friends() {
			members = append(members, friend.DID)
		}
	}

	friends := make([]*FriendRecord, 0, len(members))
	for _, did := range members {
		friend := c.Friend(did)
		if friend == nil {
			return nil, ErrNotFriend
		}
		friends = append(friends, friend)
	}

	key, err := crypto.GenerateGroupKey()
	if err != nil {
		return nil, err
	}

	group := &GroupRecord{
		GroupID:    protocol.GenerateMessageID(),
		Name:       name,
		Key:        key,
		KeyVersion: 1,
		Members:    make(map[protocol.DID]*GroupMember),
	}
	group.Members[c.DID()] = &GroupMember{
		DID:         c.DID(),
		DisplayName: c.displayName,
		Role:        protocol.GroupRoleAdmin,
	}
	for _, friend := range friends {
		group.Members[friend.DID] = &GroupMember{
			DID:         friend.DID,
			DisplayName: friend.DisplayName,
			Role:        protocol.GroupRoleMember,
		}
	}
	c.storeGroup(group)

	roster := c.memberInfos(group)
	for _, friend := range friends {
		if err := c.sendGroupKey(group, friend, protocol.KindGroupInvite, roster, ""); err != nil {
			log.Printf("Failed to invite %s to group %s: %v", friend.DID, group.GroupID, err)
		}
	}

	log.Printf("Created group %s (%s) with %d invited member(s)", group.GroupID, name, len(friends))
	return group, nil
}

// sendGroupKey wraps the group's current key for one member and sends it
// either as an invite or as a rotation envelope. removed names the member
// whose departure triggered a rotation.
func (c *Client) sendGroupKey(group *GroupRecord, friend *FriendRecord, kind string, roster []protocol.GroupMemberInfo, removed protocol.DID) error {
	ts := c.clk.Now().UnixMilli()
	cryptoCtx := &crypto.Context{
		SenderDID:      string(c.DID()),
		RecipientDID:   string(friend.DID),
		Timestamp:      ts,
		ConversationID: group.GroupID,
	}
	wrapped, nonce, err := crypto.Encrypt(group.Key, c.identity.EncryptPrivate, friend.EncryptionKey, cryptoCtx)
	if err != nil {
		return err
	}

	switch kind {
	case protocol.KindGroupInvite:
		payload := &protocol.GroupInvite{
			InviteID:          protocol.GenerateMessageID(),
			GroupID:           group.GroupID,
			GroupName:         group.Name,
			InviterDID:        c.DID(),
			EncryptedGroupKey: base64.StdEncoding.EncodeToString(wrapped),
			Nonce:             base64.StdEncoding.EncodeToString(nonce),
			KeyVersion:        group.KeyVersion,
			Members:           roster,
			Timestamp:         ts,
		}
		return c.sendEnvelope(friend.DID, protocol.KindGroupInvite, payload)

	case protocol.KindGroupKeyRotation:
		payload := &protocol.GroupKeyRotation{
			GroupID:           group.GroupID,
			EncryptedGroupKey: base64.StdEncoding.EncodeToString(wrapped),
			Nonce:             base64.StdEncoding.EncodeToString(nonce),
			KeyVersion:        group.KeyVersion,
			RemovedDID:        removed,
			Timestamp:         ts,
		}
		return c.sendEnvelope(friend.DID, protocol.KindGroupKeyRotation, payload)
	}
	return nil
}

func (c *Client) memberInfos(group *GroupRecord) []protocol.GroupMemberInfo {
	infos := make([]protocol.GroupMemberInfo, 0, len(group.Members))
	for _, m := range group.Members {
		infos = append(infos, protocol.GroupMemberInfo{
			DID:         m.DID,
			DisplayName: m.DisplayName,
			Role:        m.Role,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DID < infos[j].DID })
	return infos
}

// AcceptGroupInvite unwraps the group key and joins the group.
func (c *Client) AcceptGroupInvite(inviteID string) (*GroupRecord, error) {
	c.dataMu.Lock()
	invite, ok := c.pendingInvites[inviteID]
	if !ok {
		c.dataMu.Unlock()
		return nil, ErrNoSuchInvite
	}
	delete(c.pendingInvites, inviteID)
	c.dataMu.Unlock()

	inviter := c.Friend(invite.InviterDID)
	if inviter == nil {
		return nil, ErrNotFriend
	}

	key, err := c.unwrapGroupKey(invite.EncryptedGroupKey, invite.Nonce, invite.InviterDID,
		inviter.EncryptionKey, invite.GroupID, invite.Timestamp)
	if err != nil {
		return nil, err
	}

	group := &GroupRecord{
		GroupID:    invite.GroupID,
		Name:       invite.GroupName,
		Key:        key,
		KeyVersion: invite.KeyVersion,
		Members:    make(map[protocol.DID]*GroupMember),
	}
	for _, info := range invite.Members {
		group.Members[info.DID] = &GroupMember{
			DID:         info.DID,
			DisplayName: info.DisplayName,
			Role:        info.Role,
		}
	}
	// The roster in the invite was snapshotted before we joined.
	if _, ok := group.Members[c.DID()]; !ok {
		group.Members[c.DID()] = &GroupMember{
			DID:         c.DID(),
			DisplayName: c.displayName,
			Role:        protocol.GroupRoleMember,
		}
	}
	c.storeGroup(group)

	accept := &protocol.GroupInviteAccept{
		InviteID:  inviteID,
		GroupID:   invite.GroupID,
		FromDID:   c.DID(),
		Timestamp: c.clk.Now().UnixMilli(),
	}
	if err := c.sendEnvelope(invite.InviterDID, protocol.KindGroupInviteAccept, accept); err != nil {
		log.Printf("Failed to confirm group invite %s: %v", inviteID, err)
	}

	log.Printf("Joined group %s (%s) at key version %d", group.GroupID, group.Name, group.KeyVersion)
	return group, nil
}

// DeclineGroupInvite declines and discards a pending invite.
func (c *Client) DeclineGroupInvite(inviteID string) error {
	c.dataMu.Lock()
	invite, ok := c.pendingInvites[inviteID]
	if !ok {
		c.dataMu.Unlock()
		return ErrNoSuchInvite
	}
	delete(c.pendingInvites, inviteID)
	c.dataMu.Unlock()

	decline := &protocol.GroupInviteDecline{
		InviteID:  inviteID,
		GroupID:   invite.GroupID,
		FromDID:   c.DID(),
		Timestamp: c.clk.Now().UnixMilli(),
	}
	return c.sendEnvelope(invite.InviterDID, protocol.KindGroupInviteDecline, decline)
}

// SendGroupMessage encrypts a message under the group key and fans it out
// to every member except ourselves.
func (c *Client) SendGroupMessage(groupID, text string) (string, error) {
	c.dataMu.Lock()
	group, ok := c.groups[groupID]
	if !ok {
		c.dataMu.Unlock()
		return "", ErrNoSuchGroup
	}
	key := group.Key
	keyVersion := group.KeyVersion
	recipients := make([]protocol.DID, 0, len(group.Members))
	for did := range group.Members {
		if did != c.DID() {
			recipients = append(recipients, did)
		}
	}
	c.dataMu.Unlock()
	sort.Slice(recipients, func(i, j int) bool { return recipients[i] < recipients[j] })

	ciphertext, nonce, err := crypto.EncryptWithKey([]byte(text), key)
	if err != nil {
		return "", err
	}

	messageID := protocol.GenerateMessageID()
	ts := c.clk.Now().UnixMilli()
	payload := &protocol.GroupChatMessage{
		MessageID:  messageID,
		GroupID:    groupID,
		SenderDID:  c.DID(),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		KeyVersion: keyVersion,
		Timestamp:  ts,
	}

	msg := &TrackedMessage{
		MessageID:      messageID,
		ConversationID: groupID,
		GroupID:        groupID,
		SenderDID:      c.DID(),
		Content:        text,
		Timestamp:      ts,
		Status:         protocol.MessageStatusSending,
	}
	c.trackMessage(msg)

	// Only the first fan-out send carries the id; one relay ack is enough
	// to call the message sent.
	for i, did := range recipients {
		trackID := ""
		if i == 0 {
			trackID = messageID
		}
		if err := c.sendEnvelopeTracked(did, protocol.KindGroupMessage, payload, trackID); err != nil {
			log.Printf("Failed to send group message %s to %s: %v", messageID, did, err)
		}
	}

	return messageID, nil
}

// RemoveGroupMember removes a member and rotates the group key. The new
// key goes to the remaining members only; the removed member learns of the
// removal but can never read messages sent after it.
func (c *Client) RemoveGroupMember(groupID string, member protocol.DID) error {
	c.dataMu.Lock()
	group, ok := c.groups[groupID]
	if !ok {
		c.dataMu.Unlock()
		return ErrNoSuchGroup
	}
	self, ok := group.Members[c.DID()]
	if !ok || self.Role != protocol.GroupRoleAdmin {
		c.dataMu.Unlock()
		return ErrNotGroupAdmin
	}
	if _, ok := group.Members[member]; !ok {
		c.dataMu.Unlock()
		return ErrNotFriend
	}
	delete(group.Members, member)

	newKey, err := crypto.GenerateGroupKey()
	if err != nil {
		c.dataMu.Unlock()
		return err
	}
	group.Key = newKey
	group.KeyVersion++
	remaining := make([]protocol.DID, 0, len(group.Members))
	for did := range group.Members {
		if did != c.DID() {
			remaining = append(remaining, did)
		}
	}
	c.dataMu.Unlock()
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })

	c.persistGroup(groupID)

	removed := &protocol.GroupMemberRemoved{
		GroupID:   groupID,
		MemberDID: member,
		Timestamp: c.clk.Now().UnixMilli(),
	}
	if err := c.sendEnvelope(member, protocol.KindGroupMemberRemoved, removed); err != nil {
		log.Printf("Failed to notify %s of removal from %s: %v", member, groupID, err)
	}
	for _, did := range remaining {
		if err := c.sendEnvelope(did, protocol.KindGroupMemberRemoved, removed); err != nil {
			log.Printf("Failed to announce removal to %s: %v", did, err)
		}
	}

	// Rotation goes to the remaining members only.
	c.dataMu.Lock()
	g := c.groups[groupID]
	c.dataMu.Unlock()
	for _, did := range remaining {
		friend := c.Friend(did)
		if friend == nil {
			log.Printf("Cannot rotate key to non-friend group member %s", did)
			continue
		}
		if err := c.sendGroupKey(g, friend, protocol.KindGroupKeyRotation, nil, member); err != nil {
			log.Printf("Failed to send rotated key to %s: %v", did, err)
		}
	}

	log.Printf("Removed %s from group %s, key rotated to version %d", member, groupID, g.KeyVersion)
	return nil
}

// Group returns a group by id, or nil.
func (c *Client) Group(groupID string) *GroupRecord {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	return c.groups[groupID]
}

// Groups returns all joined groups, ordered by id.
func (c *Client) Groups() []*GroupRecord {
	c.dataMu.Lock()
	out := make([]*GroupRecord, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	c.dataMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// PendingGroupInvites returns invites awaiting a decision, ordered by id.
func (c *Client) PendingGroupInvites() []*PendingGroupInvite {
	c.dataMu.Lock()
	out := make([]*PendingGroupInvite, 0, len(c.pendingInvites))
	for _, inv := range c.pendingInvites {
		out = append(out, inv)
	}
	c.dataMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].InviteID < out[j].InviteID })
	return out
}

func (c *Client) handleGroupInvite(p *protocol.GroupInvite) {
	if c.Friend(p.InviterDID) == nil {
		log.Printf("Group invite from non-friend %s, dropping", p.InviterDID)
		c.metrics.EnvelopeDropped(protocol.KindGroupInvite)
		return
	}

	invite := &PendingGroupInvite{
		InviteID:          p.InviteID,
		GroupID:           p.GroupID,
		GroupName:         p.GroupName,
		InviterDID:        p.InviterDID,
		EncryptedGroupKey: p.EncryptedGroupKey,
		Nonce:             p.Nonce,
		KeyVersion:        p.KeyVersion,
		Members:           p.Members,
		Timestamp:         p.Timestamp,
	}

	c.dataMu.Lock()
	c.pendingInvites[p.InviteID] = invite
	c.dataMu.Unlock()

	log.Printf("Group invite %s to %s (%s) from %s", p.InviteID, p.GroupID, p.GroupName, p.InviterDID)
	if c.OnGroupInvite != nil {
		c.OnGroupInvite(invite)
	}
}

// handleGroupInviteAccept adds the accepting member to our roster.
func (c *Client) handleGroupInviteAccept(p *protocol.GroupInviteAccept) {
	c.dataMu.Lock()
	group, ok := c.groups[p.GroupID]
	if ok {
		if _, present := group.Members[p.FromDID]; !present {
			displayName := ""
			if friend := c.friends[p.FromDID]; friend != nil {
				displayName = friend.DisplayName
			}
			group.Members[p.FromDID] = &GroupMember{
				DID:         p.FromDID,
				DisplayName: displayName,
				Role:        protocol.GroupRoleMember,
			}
		}
	}
	c.dataMu.Unlock()
	if !ok {
		log.Printf("Invite accept for unknown group %s, ignoring", p.GroupID)
		return
	}
	c.persistGroup(p.GroupID)
	log.Printf("%s joined group %s", p.FromDID, p.GroupID)
}

// handleGroupInviteDecline strips the decliner from the roster. The key
// the invite carried was already scoped to the declined member, so no
// rotation is needed.
func (c *Client) handleGroupInviteDecline(p *protocol.GroupInviteDecline) {
	c.dataMu.Lock()
	group, ok := c.groups[p.GroupID]
	if ok {
		delete(group.Members, p.FromDID)
	}
	c.dataMu.Unlock()
	if !ok {
		log.Printf("Invite decline for unknown group %s, ignoring", p.GroupID)
		return
	}
	c.persistGroup(p.GroupID)
	log.Printf("%s declined to join group %s", p.FromDID, p.GroupID)
}

// handleGroupMessage decrypts an inbound group message with the shared
// key. A message under a newer key version than ours cannot be read yet;
// it is dropped and the rotation envelope will normally arrive first.
func (c *Client) handleGroupMessage(p *protocol.GroupChatMessage) {
	c.dataMu.Lock()
	group, ok := c.groups[p.GroupID]
	var key []byte
	var keyVersion int
	if ok {
		key = group.Key
		keyVersion = group.KeyVersion
	}
	seen := c.seenMessageIDs[p.MessageID]
	if !seen {
		c.seenMessageIDs[p.MessageID] = true
	}
	c.dataMu.Unlock()

	if !ok {
		log.Printf("Group message for unknown group %s, dropping", p.GroupID)
		c.metrics.EnvelopeDropped(protocol.KindGroupMessage)
		return
	}
	if seen {
		return
	}
	if p.KeyVersion != keyVersion {
		log.Printf("Group message %s uses key version %d, ours is %d, dropping",
			p.MessageID, p.KeyVersion, keyVersion)
		c.metrics.EnvelopeDropped(protocol.KindGroupMessage)
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		log.Printf("Group message %s has invalid ciphertext encoding, dropping", p.MessageID)
		return
	}
	nonce, err := base64.StdEncoding.DecodeString(p.Nonce)
	if err != nil {
		log.Printf("Group message %s has invalid nonce encoding, dropping", p.MessageID)
		return
	}

	plaintext, err := crypto.DecryptWithKey(ciphertext, nonce, key)
	if err != nil {
		log.Printf("Failed to decrypt group message %s in %s: %v", p.MessageID, p.GroupID, err)
		return
	}

	msg := &TrackedMessage{
		MessageID:      p.MessageID,
		ConversationID: p.GroupID,
		GroupID:        p.GroupID,
		SenderDID:      p.SenderDID,
		Content:        string(plaintext),
		Timestamp:      p.Timestamp,
		Status:         protocol.MessageStatusDelivered,
	}
	c.trackMessage(msg)

	if c.OnGroupMessage != nil {
		c.OnGroupMessage(p.GroupID, msg)
	}
}

// handleGroupKeyRotation installs a rotated key. Only a strictly newer
// version is accepted, so replayed or reordered rotations cannot roll the
// key back.
func (c *Client) handleGroupKeyRotation(from protocol.DID, p *protocol.GroupKeyRotation) {
	sender := c.Friend(from)
	if sender == nil {
		log.Printf("Key rotation for %s from non-friend %s, dropping", p.GroupID, from)
		return
	}

	c.dataMu.Lock()
	group, ok := c.groups[p.GroupID]
	current := 0
	if ok {
		current = group.KeyVersion
	}
	c.dataMu.Unlock()

	if !ok {
		log.Printf("Key rotation for unknown group %s, ignoring", p.GroupID)
		return
	}
	if p.KeyVersion <= current {
		log.Printf("Stale key rotation for %s (version %d, have %d), ignoring",
			p.GroupID, p.KeyVersion, current)
		return
	}

	key, err := c.unwrapGroupKey(p.EncryptedGroupKey, p.Nonce, from, sender.EncryptionKey, p.GroupID, p.Timestamp)
	if err != nil {
		log.Printf("Failed to unwrap rotated key for %s: %v", p.GroupID, err)
		return
	}

	c.dataMu.Lock()
	if group, ok := c.groups[p.GroupID]; ok && p.KeyVersion > group.KeyVersion {
		group.Key = key
		group.KeyVersion = p.KeyVersion
		if p.RemovedDID != "" {
			delete(group.Members, p.RemovedDID)
		}
	}
	c.dataMu.Unlock()

	c.persistGroup(p.GroupID)
	log.Printf("Group %s key rotated to version %d", p.GroupID, p.KeyVersion)
	if c.OnGroupKeyRotated != nil {
		c.OnGroupKeyRotated(p.GroupID, p.KeyVersion)
	}
}

// handleGroupMemberRemoved applies a roster removal. If we are the removed
// member, the whole group record including the key is discarded.
func (c *Client) handleGroupMemberRemoved(p *protocol.GroupMemberRemoved) {
	if p.MemberDID == c.DID() {
		c.dataMu.Lock()
		_, ok := c.groups[p.GroupID]
		delete(c.groups, p.GroupID)
		c.dataMu.Unlock()
		if !ok {
			return
		}
		if c.messageDB != nil {
			if err := c.messageDB.DeleteGroup(p.GroupID); err != nil {
				log.Printf("Failed to delete group %s: %v", p.GroupID, err)
			}
		}
		log.Printf("Removed from group %s", p.GroupID)
		if c.OnRemovedFromGroup != nil {
			c.OnRemovedFromGroup(p.GroupID)
		}
		return
	}

	c.dataMu.Lock()
	group, ok := c.groups[p.GroupID]
	if ok {
		delete(group.Members, p.MemberDID)
	}
	c.dataMu.Unlock()
	if !ok {
		return
	}
	c.persistGroup(p.GroupID)
	log.Printf("%s was removed from group %s", p.MemberDID, p.GroupID)
}

// unwrapGroupKey opens a pairwise-wrapped group key. The context mirrors
// the wrapping side: the group id stands in for the conversation id.
func (c *Client) unwrapGroupKey(encryptedKey, nonce string, sender protocol.DID, senderKey []byte, groupID string, ts int64) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(encryptedKey)
	if err != nil {
		return nil, err
	}
	rawNonce, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return nil, err
	}

	cryptoCtx := &crypto.Context{
		SenderDID:      string(sender),
		RecipientDID:   string(c.DID()),
		Timestamp:      ts,
		ConversationID: groupID,
	}
	return crypto.Decrypt(wrapped, rawNonce, c.identity.EncryptPrivate, senderKey, cryptoCtx)
}

func (c *Client) storeGroup(group *GroupRecord) {
	c.dataMu.Lock()
	c.groups[group.GroupID] = group
	c.dataMu.Unlock()
	c.persistGroup(group.GroupID)
}

func (c *Client) persistGroup(groupID string) {
	if c.messageDB == nil {
		return
	}
	c.dataMu.Lock()
	group, ok := c.groups[groupID]
	var stored *storage.Group
	if ok {
		members := make([]string, 0, len(group.Members))
		for did := range group.Members {
			members = append(members, string(did))
		}
		sort.Strings(members)
		stored = &storage.Group{
			GroupID:    group.GroupID,
			Name:       group.Name,
			Key:        base64.StdEncoding.EncodeToString(group.Key),
			KeyVersion: group.KeyVersion,
			Members:    members,
		}
	}
	c.dataMu.Unlock()

	if !ok {
		return
	}
	if err := c.messageDB.SaveGroup(stored); err != nil {
		log.Printf("Failed to persist group %s: %v", groupID, err)
	}
}
