package domain

import "errors"

var (
	// ErrNotFound 未知的机器人 id
	ErrNotFound = errors.New("bot not found")
	// ErrForbidden 请求者既不是所有者也不是管理员
	ErrForbidden = errors.New("forbidden")
	// ErrInsufficientCredits 余额不足，未做任何修改
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrFileMissing 入口文件已不存在，记录已被清除
	ErrFileMissing = errors.New("bot entry file missing")
	// ErrSpawnFailure 操作系统层面启动进程失败，机器人保持 stopped
	ErrSpawnFailure = errors.New("spawn failed")
	// ErrAlreadyExists 注册了重复的机器人 id
	ErrAlreadyExists = errors.New("bot already exists")
)
