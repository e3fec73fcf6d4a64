package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mobility-trailblazers/offline-edge/internal/cache"
	"github.com/mobility-trailblazers/offline-edge/internal/config"
	"github.com/mobility-trailblazers/offline-edge/internal/controller"
	"github.com/mobility-trailblazers/offline-edge/internal/logging"
	"github.com/mobility-trailblazers/offline-edge/internal/proxy"
	"github.com/mobility-trailblazers/offline-edge/internal/server"
	"github.com/mobility-trailblazers/offline-edge/internal/server/routes"
	"github.com/mobility-trailblazers/offline-edge/internal/telemetry"
	"github.com/mobility-trailblazers/offline-edge/internal/version"
)

// envConfigPath 覆盖默认配置路径，--config 优先于它。
const envConfigPath = config.EnvPrefix + "_CONFIG"

const shutdownTimeout = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		for key, value := range cfg.Summary() {
			fields[key] = value
		}
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.TracingEndpoint, telemetry.ServiceName)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化追踪失败: %v\n", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("tracing_flush_failed")
		}
	}()

	// 启动顺序为“配置 → 缓存存储 → 控制器安装/激活 → Fiber server”，
	// 第一个请求到达前预缓存已完成。
	store, err := cache.Open(cfg.StoreBackend, cfg.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		fmt.Fprintf(stdErr, "解析 Origin 失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	registration := controller.NewRegistration(httpClient, logger)
	ctrl, err := controller.New(controller.Options{
		Version:              cfg.CacheVersion,
		Origin:               origin,
		Manifest:             cfg.Precache,
		Rules:                cfg.Rules(),
		Store:                store,
		Fetcher:              httpClient,
		Logger:               logger,
		SkipWaitingOnInstall: cfg.SkipWaitingOnInstall,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建缓存控制器失败: %v\n", err)
		return 1
	}
	if err := registration.Register(ctx, ctrl); err != nil {
		fmt.Fprintf(stdErr, "安装缓存控制器失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	for key, value := range cfg.Summary() {
		fields[key] = value
	}
	fields["listen_port"] = cfg.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler, err := proxy.NewHandler(proxy.HandlerOptions{
		Dispatcher:   registration,
		Origin:       origin,
		ForwardProxy: cfg.ForwardProxy,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建代理处理器失败: %v\n", err)
		return 1
	}

	err = startHTTPServer(ctx, cfg.ListenPort, registration, handler, logger)
	registration.Flush()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	var (
		opts       cliOptions
		configFlag string
	)

	cmd := &cobra.Command{
		Use:           "offline-edge",
		Short:         "Network-first offline cache in front of a single site.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return nil
		},
	}
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	flags := cmd.Flags()
	flags.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+envConfigPath+" 覆盖）")
	flags.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	flags.BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	if err := cmd.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(envConfigPath)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path
	return opts, nil
}

func startHTTPServer(ctx context.Context, port int, registration *controller.Registration, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy:  proxyHandler,
	})
	if err != nil {
		return err
	}
	routes.RegisterControlRoutes(app, registration)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务停止")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err = app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
