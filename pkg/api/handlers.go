package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/umbra-im/umbra-node/pkg/protocol"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"did":          s.client.DID(),
		"display_name": s.client.DisplayName(),
		"state":        s.client.State().String(),
		"relay_url":    s.client.ConnectedURL(),
		"online_peers": s.client.Presence().Online(),
	})
}

type friendView struct {
	DID            string `json:"did"`
	DisplayName    string `json:"display_name"`
	ConversationID string `json:"conversation_id"`
	Online         bool   `json:"online"`
}

func (s *Server) handleFriends(c *gin.Context) {
	friends := s.client.Friends()
	out := make([]friendView, 0, len(friends))
	for _, f := range friends {
		out = append(out, friendView{
			DID:            string(f.DID),
			DisplayName:    f.DisplayName,
			ConversationID: string(f.ConversationID),
			Online:         s.client.Presence().IsOnline(f.DID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"friends": out})
}

type sendFriendRequestBody struct {
	DID     string `json:"did" binding:"required"`
	Message string `json:"message"`
}

func (s *Server) handleSendFriendRequest(c *gin.Context) {
	var body sendFriendRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pending, err := s.client.SendFriendRequest(protocol.DID(body.DID), body.Message)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_id": pending.ID})
}

func (s *Server) handleAcceptFriendRequest(c *gin.Context) {
	friend, err := s.client.AcceptFriendRequest(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"did": friend.DID, "conversation_id": friend.ConversationID})
}

func (s *Server) handleRejectFriendRequest(c *gin.Context) {
	if err := s.client.RejectFriendRequest(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

type sendMessageBody struct {
	ToDID    string `json:"to_did" binding:"required"`
	Text     string `json:"text" binding:"required"`
	ThreadID string `json:"thread_id"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var messageID string
	var err error
	if body.ThreadID != "" {
		messageID, err = s.client.SendThreadReply(protocol.DID(body.ToDID), body.ThreadID, body.Text)
	} else {
		messageID, err = s.client.SendMessage(protocol.DID(body.ToDID), body.Text)
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": messageID})
}

type messageView struct {
	MessageID string `json:"message_id"`
	SenderDID string `json:"sender_did"`
	ThreadID  string `json:"thread_id,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

func (s *Server) handleMessages(c *gin.Context) {
	conversationID := c.Param("conversationId")

	// History comes from the database when attached; otherwise only the
	// current session is visible.
	if s.db != nil {
		stored, err := s.db.MessagesByConversation(conversationID, 200, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]messageView, 0, len(stored))
		for _, m := range stored {
			status := m.Status
			// The in-memory record is fresher than the stored row.
			if live := s.client.Message(m.MessageID); live != nil {
				status = string(live.Status)
			}
			out = append(out, messageView{
				MessageID: m.MessageID,
				SenderDID: m.SenderDID,
				ThreadID:  m.ThreadID,
				Content:   m.Content,
				Timestamp: m.Timestamp,
				Status:    status,
			})
		}
		c.JSON(http.StatusOK, gin.H{"messages": out})
		return
	}

	messages := s.client.Messages(conversationID)
	out := make([]messageView, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageView{
			MessageID: m.MessageID,
			SenderDID: string(m.SenderDID),
			ThreadID:  m.ThreadID,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Status:    string(m.Status),
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

type groupView struct {
	GroupID    string   `json:"group_id"`
	Name       string   `json:"name"`
	KeyVersion int      `json:"key_version"`
	Members    []string `json:"members"`
}

func (s *Server) handleGroups(c *gin.Context) {
	groups := s.client.Groups()
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		members := make([]string, 0, len(g.Members))
		for did := range g.Members {
			members = append(members, string(did))
		}
		out = append(out, groupView{
			GroupID:    g.GroupID,
			Name:       g.Name,
			KeyVersion: g.KeyVersion,
			Members:    members,
		})
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

type createGroupBody struct {
	Name    string   `json:"name" binding:"required"`
	Members []string `json:"members" binding:"required"`
}

func (s *Server) handleCreateGroup(c *gin.Context) {
	var body createGroupBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	members := make([]protocol.DID, 0, len(body.Members))
	for _, did := range body.Members {
		members = append(members, protocol.DID(did))
	}
	group, err := s.client.CreateGroup(body.Name, members)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"group_id": group.GroupID})
}

type sendGroupMessageBody struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleSendGroupMessage(c *gin.Context) {
	var body sendGroupMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	messageID, err := s.client.SendGroupMessage(c.Param("id"), body.Text)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": messageID})
}

func (s *Server) handleRemoveGroupMember(c *gin.Context) {
	err := s.client.RemoveGroupMember(c.Param("id"), protocol.DID(c.Param("did")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}
