package config

import (
	"os"
	"strconv"
)

type EnvConfig struct {
	Port           int
	Env            string
	AdminAccessKey string
	LogLevel       string

	// 数据库配置
	DBPath          string // SQLite 数据库文件路径
	CatalogSeedFile string // 能力目录种子文件（可选，热加载）

	// 上游请求配置
	UpstreamTimeout       int   // 上游请求超时时间（秒）
	MaxRequestBodySize    int64 // 请求体最大大小 (字节)，由 MB 配置转换
	ResponseHeaderTimeout int   // 等待响应头超时时间（秒）

	EnableCORS bool
	CORSOrigin string

	QuietPollingLogs bool // 静默轮询端点日志

	// 日志文件相关配置
	LogDir        string
	LogFile       string
	LogMaxSize    int  // 单个日志文件最大大小 (MB)
	LogMaxBackups int  // 保留的旧日志文件最大数量
	LogMaxAge     int  // 保留的旧日志文件最大天数
	LogCompress   bool // 是否压缩旧日志文件
	LogToConsole  bool // 是否同时输出到控制台
}

// NewEnvConfig 创建环境配置
func NewEnvConfig() *EnvConfig {
	// 支持 ENV 和 NODE_ENV（向后兼容）
	env := getEnv("ENV", "")
	if env == "" {
		env = getEnv("NODE_ENV", "development")
	}

	return &EnvConfig{
		Port:           getEnvAsInt("PORT", 3000),
		Env:            env,
		AdminAccessKey: getEnv("ADMIN_ACCESS_KEY", "your-admin-access-key"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		DBPath:          getEnv("DB_PATH", ".config/gateway.db"),
		CatalogSeedFile: getEnv("CATALOG_SEED_FILE", ".config/catalog.json"),

		UpstreamTimeout:       clampInt(getEnvAsInt("UPSTREAM_TIMEOUT", 120), 10, 600),
		MaxRequestBodySize:    getEnvAsInt64("MAX_REQUEST_BODY_SIZE_MB", 10) * 1024 * 1024, // MB 转换为字节
		ResponseHeaderTimeout: clampInt(getEnvAsInt("RESPONSE_HEADER_TIMEOUT", 60), 30, 120),

		EnableCORS: getEnv("ENABLE_CORS", "true") != "false",
		CORSOrigin: getEnv("CORS_ORIGIN", "*"),

		QuietPollingLogs: getEnv("QUIET_POLLING_LOGS", "true") != "false",

		// 日志文件配置
		LogDir:        getEnv("LOG_DIR", "logs"),
		LogFile:       getEnv("LOG_FILE", "gateway.log"),
		LogMaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),   // 默认 100MB
		LogMaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 10), // 默认保留 10 个
		LogMaxAge:     getEnvAsInt("LOG_MAX_AGE", 30),     // 默认保留 30 天
		LogCompress:   getEnv("LOG_COMPRESS", "true") != "false",
		LogToConsole:  getEnv("LOG_TO_CONSOLE", "true") != "false",
	}
}

// IsDevelopment 是否为开发环境
func (c *EnvConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction 是否为生产环境
func (c *EnvConfig) IsProduction() bool {
	return c.Env == "production"
}

// ShouldLog 是否应该记录日志
func (c *EnvConfig) ShouldLog(level string) bool {
	levels := map[string]int{
		"error": 0,
		"warn":  1,
		"info":  2,
		"debug": 3,
	}

	currentLevel, ok := levels[c.LogLevel]
	if !ok {
		currentLevel = 2 // 默认 info
	}

	requestLevel, ok := levels[level]
	if !ok {
		return false
	}

	return requestLevel <= currentLevel
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt 获取环境变量并转换为整数
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsInt64 获取环境变量并转换为 int64
func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// clampInt 将整数限制在指定范围内
func clampInt(value, minVal, maxVal int) int {
	if value < minVal {
		return minVal
	}
	if value > maxVal {
		return maxVal
	}
	return value
}
