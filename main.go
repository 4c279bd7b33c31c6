package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/BenedictKing/credit-gateway/internal/admission"
	"github.com/BenedictKing/credit-gateway/internal/catalog"
	"github.com/BenedictKing/credit-gateway/internal/config"
	"github.com/BenedictKing/credit-gateway/internal/handlers"
	"github.com/BenedictKing/credit-gateway/internal/handlers/gateway"
	"github.com/BenedictKing/credit-gateway/internal/ledger"
	"github.com/BenedictKing/credit-gateway/internal/logger"
	"github.com/BenedictKing/credit-gateway/internal/middleware"
	"github.com/BenedictKing/credit-gateway/internal/proxy"
	"github.com/BenedictKing/credit-gateway/internal/store"
	"github.com/BenedictKing/credit-gateway/internal/telemetry"
)

func main() {
	// 加载环境变量
	if err := godotenv.Load(); err != nil {
		log.Println("没有找到 .env 文件，使用环境变量或默认值")
	}

	// 设置版本信息到 handlers 包
	handlers.SetVersionInfo(Version, BuildTime, GitCommit)

	// 初始化配置管理器
	envCfg := config.NewEnvConfig()

	// 初始化日志系统（必须在其他初始化之前）
	logCfg := &logger.Config{
		LogDir:     envCfg.LogDir,
		LogFile:    envCfg.LogFile,
		MaxSize:    envCfg.LogMaxSize,
		MaxBackups: envCfg.LogMaxBackups,
		MaxAge:     envCfg.LogMaxAge,
		Compress:   envCfg.LogCompress,
		Console:    envCfg.LogToConsole,
	}
	if err := logger.Setup(logCfg); err != nil {
		log.Fatalf("初始化日志系统失败: %v", err)
	}

	// 打开账本数据库（单写连接，WAL 模式）
	db, err := store.Open(envCfg.DBPath)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	defer db.Close()

	// 加载能力目录种子（可选，文件变更时热加载）
	if envCfg.CatalogSeedFile != "" {
		if err := db.LoadSeed(envCfg.CatalogSeedFile); err != nil {
			log.Fatalf("加载目录种子失败: %v", err)
		}
		stopWatch, err := db.WatchSeed(envCfg.CatalogSeedFile)
		if err != nil {
			log.Printf("[Seed-Watch] 无法监听种子文件: %v", err)
		} else {
			defer stopWatch()
		}
	}

	// 组装核心组件
	cat := catalog.New(db.DB())
	led := ledger.New(db.DB())
	decider := admission.New(cat, led)
	dispatcher := proxy.NewDispatcher(
		time.Duration(envCfg.UpstreamTimeout)*time.Second,
		time.Duration(envCfg.ResponseHeaderTimeout)*time.Second,
	)
	tel := telemetry.NewStore(0)
	gw := gateway.New(envCfg, decider, dispatcher, led, tel)

	// 设置 gin 模式
	if envCfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	// 请求日志（静默高频轮询端点）
	skipPaths := []string{}
	if envCfg.QuietPollingLogs {
		skipPaths = append(skipPaths, "/health", "/api/mcp/servers", "/api/usage/recent")
	}
	r.Use(middleware.FilteredLogger(envCfg, skipPaths...))

	if envCfg.EnableCORS {
		r.Use(middleware.CORSMiddleware(envCfg))
	}

	// 健康检查
	r.GET("/health", handlers.HealthCheck(envCfg))

	// 控制面：边缘策略协作端点
	r.POST("/auth/validate", handlers.AuthValidate(led))
	r.POST("/credit/validate", handlers.CreditValidate(decider))
	r.POST("/api/mcp/credit/validate/mcp", handlers.MCPCreditValidate(decider))
	r.POST("/usage/log", handlers.UsageLog(cat, led, tel))
	r.GET("/user/:id/credits", handlers.GetUserCredits(led))

	// 控制面：目录查询（公开）
	r.GET("/api/mcp/servers", handlers.ListMCPServers(cat))
	r.GET("/api/mcp/server/:serverId", handlers.GetMCPServer(cat))

	// 控制面：管理端点
	admin := r.Group("/", middleware.AdminAuthMiddleware(envCfg))
	{
		admin.POST("/api/mcp/admin/servers", handlers.CreateMCPServer(cat))
		admin.PUT("/api/mcp/admin/servers/:id", handlers.UpdateMCPServer(cat))
		admin.POST("/api/mcp/admin/servers/:id/pricing", handlers.SetToolPricing(cat))
		admin.POST("/admin/user/:id/credits", handlers.AddUserCredits(led))
		admin.GET("/api/usage/recent", handlers.RecentUsage(tel))
	}

	// 边缘网关：调用方持 API Key 直接进入
	edge := r.Group("/", middleware.APIKeyAuthMiddleware(envCfg, led))
	{
		edge.POST("/api/v1/:vendor/:model", gw.HandleLLM)
		edge.POST("/api/mcp/:serverId", gw.HandleMCP)
	}

	// 根路径：服务信息
	r.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"name":    "Credit Gateway",
			"version": Version,
			"endpoints": gin.H{
				"health":  "/health",
				"llm":     "POST /api/v1/{vendor}/{model}",
				"mcp":     "POST /api/mcp/{serverId}",
				"servers": "GET /api/mcp/servers",
			},
		})
	})

	// 启动服务器
	addr := fmt.Sprintf(":%d", envCfg.Port)
	fmt.Printf("\n[Server-Startup] 额度网关已启动\n")
	fmt.Printf("[Server-Info] 版本: %s\n", Version)
	if BuildTime != "unknown" {
		fmt.Printf("[Server-Info] 构建时间: %s\n", BuildTime)
	}
	if GitCommit != "unknown" {
		fmt.Printf("[Server-Info] Git提交: %s\n", GitCommit)
	}
	fmt.Printf("[Server-Info] LLM 网关: POST /api/v1/{vendor}/{model}\n")
	fmt.Printf("[Server-Info] MCP 网关: POST /api/mcp/{serverId}\n")
	fmt.Printf("[Server-Info] 健康检查: GET /health\n")
	fmt.Printf("[Server-Info] 数据库: %s\n", envCfg.DBPath)
	fmt.Printf("[Server-Info] 环境: %s\n", envCfg.Env)
	// 检查是否使用默认密码，给予提示
	if envCfg.AdminAccessKey == "your-admin-access-key" {
		fmt.Printf("[Server-Warn] 管理密钥: your-admin-access-key (默认值，建议通过 .env 文件修改)\n")
	}
	fmt.Printf("\n")

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// 用于传递关闭结果
	shutdownDone := make(chan struct{})

	// 优雅关闭：监听系统信号
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		signal.Stop(sigChan)

		log.Println("[Server-Shutdown] 收到关闭信号，正在优雅关闭服务器...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[Server-Shutdown] 警告: 服务器关闭时发生错误: %v", err)
		} else {
			log.Println("[Server-Shutdown] 服务器已安全关闭")
		}

		if err := logger.Close(); err != nil {
			log.Printf("[Server-Shutdown] 警告: 关闭日志时发生错误: %v", err)
		}

		close(shutdownDone)
	}()

	// 启动服务器（阻塞直到关闭）
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("服务器启动失败: %v", err)
	}

	// 等待关闭完成（带超时保护，避免死锁）
	select {
	case <-shutdownDone:
	case <-time.After(15 * time.Second):
		log.Println("[Server-Shutdown] 警告: 等待关闭超时")
	}
}
