package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/betbot/bothost/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	// MaxEditableFileBytes 通过接口读写的单个文件上限
	MaxEditableFileBytes = 1 << 20

	maxTreeDepth = 16
)

var (
	// ErrInvalidPath is returned for paths that leave the bot's own files.
	ErrInvalidPath = errors.New("invalid bot file path")
	// ErrFileTooLarge is returned when a file exceeds MaxEditableFileBytes.
	ErrFileTooLarge = errors.New("file too large")
)

// botBase 机器人自己的文件根目录：文件夹机器人是它的顶层目录，单文件机器人是 bots 根目录
func (r *Registry) botBase(m *managed) string {
	if m.bot.IsFolder() {
		return filepath.Join(r.opts.BotsRoot, m.bot.Folder)
	}
	return r.opts.BotsRoot
}

// resolveLocked 把请求里的相对路径解析成磁盘路径，拒绝越出机器人目录的路径（包括符号链接）
func (r *Registry) resolveLocked(m *managed, rel string) (string, error) {
	rel = strings.TrimPrefix(strings.TrimSpace(rel), "/")
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, rel)
	}
	// 单文件机器人和其他机器人共用根目录，只暴露它自己的文件
	if !m.bot.IsFolder() && clean != m.bot.EntryFile {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, rel)
	}

	base := r.botBase(m)
	full := filepath.Join(base, clean)
	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrFileMissing, base)
	}
	realFull, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", domain.ErrFileMissing, rel)
		}
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	within, err := filepath.Rel(realBase, realFull)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, rel)
	}
	return realFull, nil
}

// Files returns the bot's file tree. File bots list only their own file.
func (r *Registry) Files(id, requester string) ([]domain.FileNode, error) {
	m, err := r.lockBot(id)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	if err := r.authorizeLocked(m, requester); err != nil {
		return nil, err
	}
	if !m.bot.IsFolder() {
		if _, err := os.Stat(m.bot.EntryPath()); err != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrFileMissing, m.bot.EntryPath())
		}
		return []domain.FileNode{{Name: m.bot.EntryFile, Type: domain.FileNodeFile, Path: m.bot.EntryFile}}, nil
	}
	base := r.botBase(m)
	if fi, err := os.Stat(base); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", domain.ErrFileMissing, base)
	}
	return fileTree(base, "", maxTreeDepth)
}

func fileTree(dir, rel string, depth int) ([]domain.FileNode, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	out := make([]domain.FileNode, 0, len(entries))
	for _, e := range entries {
		p := e.Name()
		if rel != "" {
			p = rel + "/" + e.Name()
		}
		if !e.IsDir() {
			out = append(out, domain.FileNode{Name: e.Name(), Type: domain.FileNodeFile, Path: p})
			continue
		}
		node := domain.FileNode{Name: e.Name(), Type: domain.FileNodeFolder, Path: p}
		if depth > 0 {
			children, err := fileTree(filepath.Join(dir, e.Name()), p, depth-1)
			if err != nil {
				return nil, err
			}
			node.Children = children
		}
		out = append(out, node)
	}
	return out, nil
}

// ReadFile returns the content of one of the bot's files.
func (r *Registry) ReadFile(id, requester, rel string) (string, error) {
	m, err := r.lockBot(id)
	if err != nil {
		return "", err
	}
	defer m.mu.Unlock()

	if err := r.authorizeLocked(m, requester); err != nil {
		return "", err
	}
	full, err := r.resolveLocked(m, rel)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(full)
	if err != nil || !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", domain.ErrFileMissing, rel)
	}
	if fi.Size() > MaxEditableFileBytes {
		return "", fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, rel, fi.Size())
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

// WriteFile replaces the content of an existing bot file and records it in the bot log.
// A running process keeps the old code until it is restarted.
func (r *Registry) WriteFile(ctx context.Context, id, requester, rel, content string) error {
	m, err := r.lockBot(id)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()

	if err := r.authorizeLocked(m, requester); err != nil {
		return err
	}
	if len(content) > MaxEditableFileBytes {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(content))
	}
	full, err := r.resolveLocked(m, rel)
	if err != nil {
		return err
	}
	fi, err := os.Stat(full)
	if err != nil || !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", domain.ErrFileMissing, rel)
	}
	if err := os.WriteFile(full, []byte(content), fi.Mode().Perm()); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}

	m.appendLog(fmt.Sprintf("[%s] [info] file updated: %s", r.stamp(), rel))
	r.log.WithFields(logrus.Fields{"bot_id": id, "requester": requester, "path": rel, "bytes": len(content)}).Info("bot file updated")
	return nil
}
