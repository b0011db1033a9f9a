package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// Status 机器人生命周期状态（只有两种持久化状态，没有 starting/stopping）
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// ParseStatus 解析持久化的状态值，未知值一律视为 stopped
func ParseStatus(s string) Status {
	if Status(strings.TrimSpace(s)) == StatusRunning {
		return StatusRunning
	}
	return StatusStopped
}

// SourceKind 上传形式：单文件或文件夹
type SourceKind string

const (
	SourceFile   SourceKind = "file"
	SourceFolder SourceKind = "folder"
)

// Runtime 脚本运行时（两种支持的语言）
type Runtime string

const (
	RuntimeJavaScript Runtime = "javascript"
	RuntimePython     Runtime = "python"
)

// ParseRuntime 解析运行时，未知值回退为 javascript（与历史数据默认值一致）
func ParseRuntime(s string) Runtime {
	if Runtime(strings.TrimSpace(s)) == RuntimePython {
		return RuntimePython
	}
	return RuntimeJavaScript
}

// RuntimeForFile 根据单文件扩展名判断运行时；不支持的扩展名返回 false
func RuntimeForFile(name string) (Runtime, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".js":
		return RuntimeJavaScript, true
	case ".py":
		return RuntimePython, true
	default:
		return "", false
	}
}

// Bot 机器人领域模型（不含运行时句柄和日志，这些由 registry 持有）
type Bot struct {
	ID             string     `json:"id"`
	Source         SourceKind `json:"source"`
	Runtime        Runtime    `json:"runtime"`
	Folder         string     `json:"folder,omitempty"` // 文件夹机器人在 bots 根目录下的顶层目录名
	EntryDir       string     `json:"entry_dir"`        // 执行时的工作目录
	EntryFile      string     `json:"entry_file"`       // 相对 EntryDir 的入口文件名
	Owner          string     `json:"owner,omitempty"`  // 弱引用，账号可能已被删除
	Status         Status     `json:"status"`
	InstallCommand string     `json:"install_command"`
	LeaseExpiry    *time.Time `json:"lease_expiry,omitempty"`
}

// IsFolder 是否为文件夹机器人
func (b *Bot) IsFolder() bool {
	return b.Source == SourceFolder
}

// EntryPath 入口文件的完整路径
func (b *Bot) EntryPath() string {
	return filepath.Join(b.EntryDir, b.EntryFile)
}

// Record 转换为持久化记录
func (b *Bot) Record() Record {
	r := Record{
		BotID:          b.ID,
		Status:         b.Status,
		IsFolder:       b.IsFolder(),
		InstallCommand: b.InstallCommand,
		Owner:          b.Owner,
		Runtime:        b.Runtime,
	}
	if b.IsFolder() {
		r.Folder = b.Folder
	}
	if b.LeaseExpiry != nil {
		v := b.LeaseExpiry.UnixMilli()
		r.LeaseExpiry = &v
	}
	return r
}

// Record 持久化的每个机器人一条的状态记录
type Record struct {
	BotID          string  `json:"bot_id"`
	Status         Status  `json:"status"`
	IsFolder       bool    `json:"is_folder"`
	Folder         string  `json:"folder,omitempty"`
	InstallCommand string  `json:"install_command"`
	Owner          string  `json:"owner,omitempty"`
	Runtime        Runtime `json:"runtime"`
	LeaseExpiry    *int64  `json:"lease_expiry,omitempty"` // epoch millis
}

// Outcome 幂等操作的结果
type Outcome string

const (
	OutcomeStarted        Outcome = "started"
	OutcomeAlreadyRunning Outcome = "already_running"
	OutcomeStopped        Outcome = "stopped"
	OutcomeAlreadyStopped Outcome = "already_stopped"
)

// StatusView 状态查询返回给 HTTP 层的视图
type StatusView struct {
	BotID          string     `json:"bot_id"`
	Status         Status     `json:"status"`
	Logs           []string   `json:"logs"`
	InstallCommand string     `json:"install_command"`
	Owner          string     `json:"owner,omitempty"`
	IsFolder       bool       `json:"is_folder"`
	Runtime        Runtime    `json:"runtime"`
	LeaseExpiry    *time.Time `json:"lease_expiry,omitempty"`
}

// FileNode 机器人目录树中的一项；Path 为相对机器人根目录、以 / 分隔的路径
type FileNode struct {
	Name     string     `json:"name"`
	Type     string     `json:"type"` // file | folder
	Path     string     `json:"path"`
	Children []FileNode `json:"children,omitempty"`
}

const (
	FileNodeFile   = "file"
	FileNodeFolder = "folder"
)
