package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 环境变量前缀
const EnvPrefix = "BOTHOST_"

const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// SecretReader 密钥存储的只读接口（secretstore.Store 实现了它）
type SecretReader interface {
	GetString(key string) (string, bool, error)
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string // debug, info, warn, error
	File       string // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize    int    // MB
	MaxBackups int
	MaxAge     int // 天
	Compress   bool
}

// Config 运行配置
type Config struct {
	Listen           string
	DBPath           string
	BotsRoot         string
	StateBackend     string // sqlite | badger
	StateBadgerPath  string
	Admins           []string
	StartCost        int
	LeaseDuration    time.Duration
	SweepInterval    time.Duration
	GraceWindow      time.Duration
	ResumeDelay      time.Duration
	ShutdownTimeout  time.Duration
	LogCapacity      int
	LogTail          int
	EntrySearchDepth int
	NodeBin          string
	PythonBin        string
	// 每个用户每分钟 start/command 请求上限，0 表示不限
	CommandsPerMinute int
	Log               LogConfig
}

// ConfigFile 配置文件结构（YAML/JSON）；时长字段用字符串，如 "24h"、"5m"
type ConfigFile struct {
	Listen   string `yaml:"listen" json:"listen"`
	DBPath   string `yaml:"db_path" json:"db_path"`
	BotsRoot string `yaml:"bots_root" json:"bots_root"`
	State    struct {
		Backend    string `yaml:"backend" json:"backend"`
		BadgerPath string `yaml:"badger_path" json:"badger_path"`
	} `yaml:"state" json:"state"`
	Admins []string `yaml:"admins" json:"admins"`
	Lease  struct {
		StartCost     int    `yaml:"start_cost" json:"start_cost"`
		Duration      string `yaml:"duration" json:"duration"`
		SweepInterval string `yaml:"sweep_interval" json:"sweep_interval"`
	} `yaml:"lease" json:"lease"`
	Process struct {
		GraceWindow      string `yaml:"grace_window" json:"grace_window"`
		ResumeDelay      string `yaml:"resume_delay" json:"resume_delay"`
		EntrySearchDepth int    `yaml:"entry_search_depth" json:"entry_search_depth"`
		NodeBin          string `yaml:"node_bin" json:"node_bin"`
		PythonBin        string `yaml:"python_bin" json:"python_bin"`
		CommandsPerMin   *int   `yaml:"commands_per_minute" json:"commands_per_minute"`
	} `yaml:"process" json:"process"`
	Logs struct {
		Capacity int `yaml:"capacity" json:"capacity"`
		Tail     int `yaml:"tail" json:"tail"`
	} `yaml:"bot_logs" json:"bot_logs"`
	ShutdownTimeout string `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	Log             struct {
		Level      string `yaml:"level" json:"level"`
		File       string `yaml:"file" json:"file"`
		MaxSize    int    `yaml:"max_size" json:"max_size"`
		MaxBackups int    `yaml:"max_backups" json:"max_backups"`
		MaxAge     int    `yaml:"max_age" json:"max_age"`
		Compress   *bool  `yaml:"compress" json:"compress"`
	} `yaml:"log" json:"log"`
}

// Default 返回全部默认值
func Default() *Config {
	return &Config{
		Listen:            ":8080",
		DBPath:            filepath.Join("data", "bothost.db"),
		BotsRoot:          "bots",
		StateBackend:      BackendSQLite,
		StateBadgerPath:   filepath.Join("data", "state.badger"),
		Admins:            []string{"admin"},
		StartCost:         15,
		LeaseDuration:     24 * time.Hour,
		SweepInterval:     5 * time.Minute,
		GraceWindow:       2 * time.Second,
		ResumeDelay:       2 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		LogCapacity:       1000,
		LogTail:           50,
		EntrySearchDepth:  4,
		NodeBin:           "node",
		PythonBin:         "python3",
		CommandsPerMinute: 60,
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// Load 加载配置（优先级：环境变量/密钥库 > 配置文件 > 默认值）；命令行参数由调用方最后覆盖
func Load(filePath string, secrets SecretReader) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(filePath) != "" {
		cf, err := loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
		if err := cfg.applyFile(cf); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(func(key string) string { return Getenv(secrets, key) }); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cf ConfigFile
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", filePath)
	}
	return &cf, nil
}

func (c *Config) applyFile(cf *ConfigFile) error {
	setString(&c.Listen, cf.Listen)
	setString(&c.DBPath, cf.DBPath)
	setString(&c.BotsRoot, cf.BotsRoot)
	setString(&c.StateBackend, cf.State.Backend)
	setString(&c.StateBadgerPath, cf.State.BadgerPath)
	if len(cf.Admins) > 0 {
		c.Admins = cleanList(cf.Admins)
	}
	setInt(&c.StartCost, cf.Lease.StartCost)
	setInt(&c.EntrySearchDepth, cf.Process.EntrySearchDepth)
	setString(&c.NodeBin, cf.Process.NodeBin)
	setString(&c.PythonBin, cf.Process.PythonBin)
	if cf.Process.CommandsPerMin != nil {
		c.CommandsPerMinute = *cf.Process.CommandsPerMin
	}
	setInt(&c.LogCapacity, cf.Logs.Capacity)
	setInt(&c.LogTail, cf.Logs.Tail)

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"lease.duration", cf.Lease.Duration, &c.LeaseDuration},
		{"lease.sweep_interval", cf.Lease.SweepInterval, &c.SweepInterval},
		{"process.grace_window", cf.Process.GraceWindow, &c.GraceWindow},
		{"process.resume_delay", cf.Process.ResumeDelay, &c.ResumeDelay},
		{"shutdown_timeout", cf.ShutdownTimeout, &c.ShutdownTimeout},
	} {
		if err := setDuration(d.dst, d.raw); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	setString(&c.Log.Level, cf.Log.Level)
	setString(&c.Log.File, cf.Log.File)
	setInt(&c.Log.MaxSize, cf.Log.MaxSize)
	setInt(&c.Log.MaxBackups, cf.Log.MaxBackups)
	setInt(&c.Log.MaxAge, cf.Log.MaxAge)
	if cf.Log.Compress != nil {
		c.Log.Compress = *cf.Log.Compress
	}
	return nil
}

func (c *Config) applyEnv(get func(string) string) error {
	env := func(name string) string { return get(EnvPrefix + name) }

	setString(&c.Listen, env("LISTEN"))
	setString(&c.DBPath, env("DB"))
	setString(&c.BotsRoot, env("BOTS_ROOT"))
	setString(&c.StateBackend, env("STATE_BACKEND"))
	setString(&c.StateBadgerPath, env("STATE_BADGER"))
	if v := env("ADMINS"); v != "" {
		c.Admins = cleanList(strings.Split(v, ","))
	}
	setString(&c.NodeBin, env("NODE_BIN"))
	setString(&c.PythonBin, env("PYTHON_BIN"))
	setString(&c.Log.Level, env("LOG_LEVEL"))
	setString(&c.Log.File, env("LOG_FILE"))

	for _, n := range []struct {
		name string
		dst  *int
	}{
		{"START_COST", &c.StartCost},
		{"LOG_CAPACITY", &c.LogCapacity},
		{"LOG_TAIL", &c.LogTail},
		{"ENTRY_SEARCH_DEPTH", &c.EntrySearchDepth},
		{"COMMANDS_PER_MINUTE", &c.CommandsPerMinute},
	} {
		raw := env(n.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s%s 不是整数: %q", EnvPrefix, n.name, raw)
		}
		*n.dst = v
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"LEASE_DURATION", &c.LeaseDuration},
		{"SWEEP_INTERVAL", &c.SweepInterval},
		{"GRACE_WINDOW", &c.GraceWindow},
		{"RESUME_DELAY", &c.ResumeDelay},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	} {
		if err := setDuration(d.dst, env(d.name)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, d.name, err)
		}
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen 地址不能为空")
	}
	if strings.TrimSpace(c.BotsRoot) == "" {
		return fmt.Errorf("bots_root 不能为空")
	}
	switch c.StateBackend {
	case BackendSQLite:
	case BackendBadger:
		if strings.TrimSpace(c.StateBadgerPath) == "" {
			return fmt.Errorf("state.backend=badger 时 state.badger_path 不能为空")
		}
	default:
		return fmt.Errorf("未知的 state.backend: %s (支持 sqlite, badger)", c.StateBackend)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path 不能为空")
	}
	if c.StartCost < 0 {
		return fmt.Errorf("start_cost 不能为负数")
	}
	if c.LeaseDuration <= 0 || c.SweepInterval <= 0 || c.GraceWindow <= 0 {
		return fmt.Errorf("lease.duration / lease.sweep_interval / process.grace_window 必须大于 0")
	}
	if c.ResumeDelay < 0 {
		return fmt.Errorf("process.resume_delay 不能为负数")
	}
	if c.LogCapacity <= 0 || c.LogTail <= 0 {
		return fmt.Errorf("bot_logs.capacity 和 bot_logs.tail 必须大于 0")
	}
	if c.LogTail > c.LogCapacity {
		return fmt.Errorf("bot_logs.tail(%d) 不能大于 bot_logs.capacity(%d)", c.LogTail, c.LogCapacity)
	}
	if c.CommandsPerMinute < 0 {
		return fmt.Errorf("process.commands_per_minute 不能为负数")
	}
	if c.EntrySearchDepth < 0 {
		return fmt.Errorf("process.entry_search_depth 不能为负数")
	}
	if len(c.Admins) == 0 {
		return fmt.Errorf("至少需要一个管理员")
	}
	return nil
}

// Getenv 先读 OS 环境变量，再读密钥库中的 env/<KEY>
func Getenv(secrets SecretReader, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if secrets != nil {
		if v, ok, _ := secrets.GetString("env/" + key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// GetenvDefault 同 Getenv，为空时返回 def
func GetenvDefault(secrets SecretReader, key, def string) string {
	if v := Getenv(secrets, key); v != "" {
		return v
	}
	return def
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", raw, err)
	}
	*dst = d
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
