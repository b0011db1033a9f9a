package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type fileWriteRequest struct {
	Username string  `json:"username"`
	Content  *string `json:"content"`
}

func (s *Server) handleBotFiles(c *gin.Context) {
	tree, err := s.reg.Files(c.Param("botID"), requester(c, ""))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tree)
}

func (s *Server) handleBotFileGet(c *gin.Context) {
	botID, path := c.Param("botID"), c.Param("path")
	content, err := s.reg.ReadFile(botID, requester(c, ""), path)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"bot_id": botID, "path": path, "content": content})
}

// 只能覆盖已有文件，不能新建
func (s *Server) handleBotFilePut(c *gin.Context) {
	var req fileWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Content == nil {
		writeError(c, http.StatusBadRequest, "content is required")
		return
	}
	botID, path := c.Param("botID"), c.Param("path")
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	if err := s.reg.WriteFile(ctx, botID, requester(c, req.Username), path, *req.Content); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"bot_id": botID, "path": path, "updated": true})
}
