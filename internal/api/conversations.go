package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"xiaorui/internal/chat"
)

// viewTask runs fn on the user's lane and answers with the resulting view.
func (h *Handler) viewTask(c *gin.Context, mutates bool, fn func(ctx context.Context, st *chat.State) error) {
	_, username, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	var view chat.View
	task := func(ctx context.Context, st *chat.State) error {
		if fn != nil {
			if err := fn(ctx, st); err != nil {
				return err
			}
		}
		view = h.chat.View(st)
		return nil
	}
	run := h.lanes.Read
	if mutates {
		run = h.lanes.Do
	}
	if err := run(c.Request.Context(), username, task); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) listConversations(c *gin.Context) {
	h.viewTask(c, false, nil)
}

func (h *Handler) newConversation(c *gin.Context) {
	h.viewTask(c, true, func(ctx context.Context, st *chat.State) error {
		_, err := h.chat.NewConversation(ctx, st)
		return err
	})
}

func (h *Handler) clearConversations(c *gin.Context) {
	h.viewTask(c, true, h.chat.Clear)
}

func (h *Handler) selectConversation(c *gin.Context) {
	id := c.Param("conversation_id")
	h.viewTask(c, false, func(_ context.Context, st *chat.State) error {
		return h.chat.Select(st, id)
	})
}

type renameRequest struct {
	Title string `json:"title"`
}

func (h *Handler) renameConversation(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id := c.Param("conversation_id")
	h.viewTask(c, true, func(ctx context.Context, st *chat.State) error {
		return h.chat.Rename(ctx, st, id, req.Title)
	})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	id := c.Param("conversation_id")
	h.viewTask(c, true, func(ctx context.Context, st *chat.State) error {
		return h.chat.DeleteConversation(ctx, st, id)
	})
}

// User input interface
type inputRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

func (h *Handler) captureInput(c *gin.Context) {
	_, username, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": chat.ErrEmptyInput.Error()})
		return
	}

	var turn *chat.Turn
	err := h.lanes.Do(c.Request.Context(), username, func(ctx context.Context, st *chat.State) error {
		if req.ConversationID != "" {
			if err := h.chat.Select(st, req.ConversationID); err != nil {
				return err
			}
		}
		var err error
		turn, err = h.chat.Send(ctx, st, req.Content)
		return err
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, turn)
}
