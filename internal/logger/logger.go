// Package logger 提供基于 lumberjack 的日志文件轮转
package logger

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	LogDir     string // 日志目录
	LogFile    string // 日志文件名
	MaxSize    int    // 单个文件最大大小 (MB)
	MaxBackups int    // 保留的旧文件最大数量
	MaxAge     int    // 保留的旧文件最大天数
	Compress   bool   // 是否压缩旧文件
	Console    bool   // 是否同时输出到控制台
}

var rotator *lumberjack.Logger

// Setup 初始化日志系统，将标准库 log 输出重定向到轮转文件
func Setup(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{
			LogDir:  "logs",
			LogFile: "gateway.log",
		}
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return err
	}

	rotator = &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, cfg.LogFile),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	var out io.Writer = rotator
	if cfg.Console {
		out = io.MultiWriter(os.Stdout, rotator)
	}

	log.SetOutput(out)
	log.SetFlags(log.LstdFlags)
	return nil
}

// Writer 返回当前日志输出（供 gin 等框架复用）
func Writer() io.Writer {
	if rotator == nil {
		return os.Stdout
	}
	return rotator
}

// Close 关闭日志文件
func Close() error {
	if rotator == nil {
		return nil
	}
	return rotator.Close()
}
