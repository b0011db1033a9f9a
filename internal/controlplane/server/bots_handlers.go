package server

import (
	"net/http"
	"strings"

	"github.com/betbot/bothost/internal/controlplane/registry"
	"github.com/betbot/bothost/internal/domain"
	"github.com/gin-gonic/gin"
)

// botRequest 所有机器人操作共用的请求体；username 为请求者
type botRequest struct {
	Username       string  `json:"username"`
	Command        string  `json:"command"`
	InstallCommand *string `json:"install_command"`
}

type registerBotRequest struct {
	Username       string `json:"username"`
	Name           string `json:"name"`
	Owner          string `json:"owner"`
	InstallCommand string `json:"install_command"`
}

type outcomeResponse struct {
	BotID   string         `json:"bot_id"`
	Outcome domain.Outcome `json:"outcome"`
}

// bindOptional 允许空请求体（DELETE 等）
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// requester 优先取请求体里的 username，其次是查询参数
func requester(c *gin.Context, fromBody string) string {
	if v := strings.TrimSpace(fromBody); v != "" {
		return v
	}
	return strings.TrimSpace(c.Query("username"))
}

func (s *Server) handleBotsList(c *gin.Context) {
	user := requester(c, "")
	owner := strings.TrimSpace(c.Query("owner"))
	// owner 为空表示全部，仅管理员可用
	if (owner == "" || owner != user) && !s.reg.IsAdmin(user) {
		writeError(c, http.StatusForbidden, "only admins may list other users' bots")
		return
	}
	bots := s.reg.ListFor(owner)
	if bots == nil {
		bots = []domain.Bot{}
	}
	writeJSON(c, http.StatusOK, bots)
}

func (s *Server) handleBotsRegister(c *gin.Context) {
	var req registerBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json body")
		return
	}
	user := strings.TrimSpace(req.Username)
	if user == "" {
		writeError(c, http.StatusBadRequest, "username is required")
		return
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		owner = user
	}
	if owner != user && !s.reg.IsAdmin(user) {
		writeError(c, http.StatusForbidden, "only admins may register bots for other users")
		return
	}

	ctx, cancel := s.reqCtx(c)
	defer cancel()
	b, err := s.reg.RegisterUploaded(ctx, registry.Upload{
		Name:           req.Name,
		Owner:          owner,
		InstallCommand: req.InstallCommand,
	})
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, b)
}

func (s *Server) handleBotStatus(c *gin.Context) {
	view, err := s.reg.Status(c.Param("botID"), requester(c, ""))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, view)
}

func (s *Server) handleBotStart(c *gin.Context) {
	var req botRequest
	if !bindOptional(c, &req) {
		return
	}
	botID := c.Param("botID")
	user := requester(c, req.Username)
	if s.throttled(c, "start", user) {
		return
	}
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	outcome, err := s.reg.Start(ctx, botID, user)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, outcomeResponse{BotID: botID, Outcome: outcome})
}

func (s *Server) handleBotStop(c *gin.Context) {
	var req botRequest
	if !bindOptional(c, &req) {
		return
	}
	botID := c.Param("botID")
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	outcome, err := s.reg.Stop(ctx, botID, requester(c, req.Username))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, outcomeResponse{BotID: botID, Outcome: outcome})
}

func (s *Server) handleBotCommand(c *gin.Context) {
	var req botRequest
	if !bindOptional(c, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(c, http.StatusBadRequest, "command is required")
		return
	}
	botID := c.Param("botID")
	user := requester(c, req.Username)
	if s.throttled(c, "command", user) {
		return
	}
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	if err := s.reg.SendCommand(ctx, botID, user, req.Command); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"bot_id": botID, "ok": true})
}

func (s *Server) handleBotInstallCommand(c *gin.Context) {
	var req botRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.InstallCommand == nil {
		writeError(c, http.StatusBadRequest, "install_command is required")
		return
	}
	botID := c.Param("botID")
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	if err := s.reg.SetInstallCommand(ctx, botID, requester(c, req.Username), *req.InstallCommand); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"bot_id": botID, "install_command": strings.TrimSpace(*req.InstallCommand)})
}

func (s *Server) handleBotDelete(c *gin.Context) {
	var req botRequest
	if !bindOptional(c, &req) {
		return
	}
	botID := c.Param("botID")
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	if err := s.reg.Delete(ctx, botID, requester(c, req.Username)); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"bot_id": botID, "deleted": true})
}

func (s *Server) handleAdminSweep(c *gin.Context) {
	var req botRequest
	if !bindOptional(c, &req) {
		return
	}
	if !s.reg.IsAdmin(requester(c, req.Username)) {
		writeError(c, http.StatusForbidden, "admin only")
		return
	}
	if s.leases == nil {
		writeError(c, http.StatusServiceUnavailable, "lease manager not running")
		return
	}
	s.leases.Kick()
	writeJSON(c, http.StatusAccepted, gin.H{"sweep": "scheduled"})
}
