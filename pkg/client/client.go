// Package client is a typed HTTP client for the bothost control API.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/betbot/bothost/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// APIError 非 2xx 响应
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return "bothost: " + http.StatusText(e.Status) + ": " + e.Message
}

// StatusOf 返回 APIError 的状态码，其他错误返回 0
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type User struct {
	Username string   `json:"username"`
	Credits  int      `json:"credits"`
	Bots     []string `json:"bots"`
}

type OutcomeResult struct {
	BotID   string         `json:"bot_id"`
	Outcome domain.Outcome `json:"outcome"`
}

type Client struct {
	client *resty.Client
	// Username 作为请求者随每个请求发送
	Username string
}

func New(host, username string) *Client {
	host = strings.TrimSuffix(host, "/")
	c := resty.New().
		SetBaseURL(host).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "bothost-client").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		// 只重试读请求，避免重复扣费
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{client: c, Username: username}
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	return r
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	rc := c.newRequest(ctx)
	if query != nil {
		rc.SetQueryParamsFromValues(query)
	}
	if body != nil {
		rc.SetHeader("Content-Type", "application/json")
		rc.SetBody(body)
	}
	resp, err := rc.Execute(method, endpoint)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, endpoint)
	}
	if !resp.IsSuccess() {
		return parseError(resp)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return errors.Wrapf(err, "decode %s %s", method, endpoint)
		}
	}
	return nil
}

func parseError(resp *resty.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(resp.Body()))
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode(), Message: msg}
}

func botPath(id, action string) string {
	p := "/api/bots/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) who() map[string]string {
	return map[string]string{"username": c.Username}
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

// ListBots 列出 owner 的机器人；owner 为空时列出全部（需要管理员）
func (c *Client) ListBots(ctx context.Context, owner string) ([]domain.Bot, error) {
	q := url.Values{"username": {c.Username}}
	if owner != "" {
		q.Set("owner", owner)
	}
	var out []domain.Bot
	err := c.do(ctx, http.MethodGet, "/api/bots", q, nil, &out)
	return out, err
}

// RegisterBot 登记已经解压到 bots 根目录下的上传项
func (c *Client) RegisterBot(ctx context.Context, name, owner, installCommand string) (domain.Bot, error) {
	var out domain.Bot
	err := c.do(ctx, http.MethodPost, "/api/bots", nil, map[string]string{
		"username":        c.Username,
		"name":            name,
		"owner":           owner,
		"install_command": installCommand,
	}, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, botID string) (domain.StatusView, error) {
	var out domain.StatusView
	err := c.do(ctx, http.MethodGet, botPath(botID, "status"), url.Values{"username": {c.Username}}, nil, &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, botID string) (OutcomeResult, error) {
	var out OutcomeResult
	err := c.do(ctx, http.MethodPost, botPath(botID, "start"), nil, c.who(), &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, botID string) (OutcomeResult, error) {
	var out OutcomeResult
	err := c.do(ctx, http.MethodPost, botPath(botID, "stop"), nil, c.who(), &out)
	return out, err
}

func (c *Client) Command(ctx context.Context, botID, command string) error {
	return c.do(ctx, http.MethodPost, botPath(botID, "command"), nil,
		map[string]string{"username": c.Username, "command": command}, nil)
}

func (c *Client) SetInstallCommand(ctx context.Context, botID, command string) error {
	return c.do(ctx, http.MethodPost, botPath(botID, "install_command"), nil,
		map[string]string{"username": c.Username, "install_command": command}, nil)
}

func (c *Client) DeleteBot(ctx context.Context, botID string) error {
	return c.do(ctx, http.MethodDelete, botPath(botID, ""), nil, c.who(), nil)
}

func (c *Client) CreateUser(ctx context.Context, username string) (User, error) {
	var out User
	err := c.do(ctx, http.MethodPost, "/api/users", nil, map[string]string{"username": username}, &out)
	return out, err
}

func (c *Client) GetUser(ctx context.Context, username string) (User, error) {
	var out User
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(username), url.Values{"username": {c.Username}}, nil, &out)
	return out, err
}

// Credit 管理员给用户充值
func (c *Client) Credit(ctx context.Context, username string, amount int) (User, error) {
	var out User
	err := c.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(username)+"/credits", nil,
		map[string]any{"username": c.Username, "amount": amount}, &out)
	return out, err
}

func (c *Client) DeleteUser(ctx context.Context, username string) ([]string, error) {
	var out struct {
		Orphaned []string `json:"orphaned"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(username), nil, c.who(), &out)
	return out.Orphaned, err
}

// Sweep 立即触发一次租约检查（管理员）
func (c *Client) Sweep(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/admin/sweep", nil, c.who(), nil)
}

// Files 机器人的文件树
func (c *Client) Files(ctx context.Context, botID string) ([]domain.FileNode, error) {
	var out []domain.FileNode
	err := c.do(ctx, http.MethodGet, botPath(botID, "files"), url.Values{"username": {c.Username}}, nil, &out)
	return out, err
}

func filePath(botID, rel string) string {
	parts := strings.Split(strings.TrimPrefix(rel, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return botPath(botID, "file/"+strings.Join(parts, "/"))
}

func (c *Client) ReadFile(ctx context.Context, botID, rel string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	err := c.do(ctx, http.MethodGet, filePath(botID, rel), url.Values{"username": {c.Username}}, nil, &out)
	return out.Content, err
}

// WriteFile 覆盖已有文件，运行中的机器人需要重启才会生效
func (c *Client) WriteFile(ctx context.Context, botID, rel, content string) error {
	return c.do(ctx, http.MethodPut, filePath(botID, rel), nil,
		map[string]string{"username": c.Username, "content": content}, nil)
}
