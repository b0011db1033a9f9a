package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type userRequest struct {
	Username string `json:"username"`
	Amount   int    `json:"amount"`
}

func (s *Server) handleUserCreate(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json body")
		return
	}
	name := strings.TrimSpace(req.Username)
	if name == "" {
		writeError(c, http.StatusBadRequest, "username is required")
		return
	}
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	u, err := s.users.CreateUser(ctx, name)
	if err != nil {
		writeErr(c, err)
		return
	}
	u.Bots = []string{}
	writeJSON(c, http.StatusCreated, u)
}

// 本人或管理员可以查看
func (s *Server) handleUserGet(c *gin.Context) {
	name := c.Param("username")
	if who := requester(c, ""); who != name && !s.reg.IsAdmin(who) {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	u, ok, err := s.users.GetUser(ctx, name)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(c, http.StatusOK, u)
}

// 管理员充值；请求体里的 username 是操作者
func (s *Server) handleUserCredit(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json body")
		return
	}
	if !s.reg.IsAdmin(strings.TrimSpace(req.Username)) {
		writeError(c, http.StatusForbidden, "admin only")
		return
	}
	if req.Amount <= 0 {
		writeError(c, http.StatusBadRequest, "amount must be positive")
		return
	}
	name := c.Param("username")
	ctx, cancel := s.reqCtx(c)
	defer cancel()

	u, ok, err := s.users.GetUser(ctx, name)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "user not found")
		return
	}
	if err := s.users.Credit(ctx, name, req.Amount); err != nil {
		writeErr(c, err)
		return
	}
	u.Credits += req.Amount
	writeJSON(c, http.StatusOK, u)
}

// 删除账号：机器人保留但变为无主
func (s *Server) handleUserDelete(c *gin.Context) {
	var req userRequest
	if !bindOptional(c, &req) {
		return
	}
	name := c.Param("username")
	if who := requester(c, req.Username); who != name && !s.reg.IsAdmin(who) {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}
	ctx, cancel := s.reqCtx(c)
	defer cancel()

	_, ok, err := s.users.GetUser(ctx, name)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "user not found")
		return
	}
	orphaned := s.reg.Orphan(ctx, name)
	if orphaned == nil {
		orphaned = []string{}
	}
	if err := s.users.DeleteUser(ctx, name); err != nil {
		writeErr(c, err)
		return
	}
	s.log.WithField("username", name).WithField("orphaned", len(orphaned)).Info("user deleted")
	writeJSON(c, http.StatusOK, gin.H{"username": name, "orphaned": orphaned})
}
