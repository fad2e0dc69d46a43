package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"bundler/internal/api"
	"bundler/internal/config"
	"bundler/internal/connection"
	"bundler/internal/entrypoint"
	"bundler/internal/gas"
	"bundler/internal/handler"
	"bundler/internal/logging"
	"bundler/internal/mempool"
	"bundler/internal/metrics"
	"bundler/internal/shutdown"
	"bundler/internal/validation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	network    string
	port       int
	unsafeMode bool
	verbose    bool

	shutdownTimeout time.Duration
	databaseDSN     string
	recentLimit     int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bundler",
		Short: "ERC-4337 UserOperation bundler",
		Long:  `ERC-4337 bundler 的RPC服务，负责校验、估算、提交与查询用户操作`,
		RunE:  run,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	rootCmd.Flags().StringVar(&network, "network", "", "网络名或节点URL，替换配置文件中的 nodes")
	rootCmd.Flags().IntVar(&port, "port", 3000, "RPC服务端口")
	rootCmd.Flags().BoolVar(&unsafeMode, "unsafe", false, "放宽校验模式")
	rootCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", shutdown.DefaultTimeout, "优雅停机超时")

	rootCmd.AddCommand(versionCmd(), configCmd(), mempoolCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func bootstrapLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(config.Options{
		ConfigFile: configFile,
		Network:    network,
		Flags:      cmd.Flags(),
	}, bootstrapLogger())
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("创建日志器失败: %w", err)
	}

	graceful := shutdown.NewGracefulShutdown(shutdownTimeout, logger)
	defer graceful.Shutdown()

	// 节点
	nodes := connection.NewNodeManager(cfg.SortedNodes(), logger)
	client, err := nodes.Connect(graceful.Context())
	if err != nil {
		return fmt.Errorf("连接节点失败: %w", err)
	}
	graceful.Register("node", shutdown.OrderCloseNode, func(ctx context.Context) error {
		return nodes.Close()
	})

	healthCtx, stopHealth := context.WithCancel(context.Background())
	nodes.StartHealthCheck(healthCtx, connection.DefaultHealthCheckInterval)
	graceful.Register("health_check", shutdown.OrderStopBackground, func(ctx context.Context) error {
		stopHealth()
		return nil
	})

	// EntryPoint、校验与估算
	entryPoint := entrypoint.NewEntryPoint(cfg.Bundler.EntryPointAddress(), client, logger, cfg.Bundler.LookupFromBlock)
	validator := validation.NewValidator(logger, entryPoint.Address())

	var splitter gas.GasSplitter = gas.NoopSplitter{}
	if cfg.Gas.L1GasOracle == "arbitrum" {
		splitter = gas.NewArbitrumSplitter(client, logger)
	}
	estimator := gas.NewEstimator(validator, entryPoint, client, splitter, gas.EstimatorConfig{
		L1GasMultiplier:             cfg.Gas.L1GasMultiplier,
		DefaultVerificationGasLimit: cfg.Gas.DefaultVerificationGasLimit,
		Overheads:                   gas.DefaultOverheads,
	}, logger)

	// 执行网关
	gateway, err := mempool.NewGateway(gatewayConfig(cfg.Mempool), logger)
	if err != nil {
		return fmt.Errorf("创建内存池网关失败: %w", err)
	}
	graceful.Register("gateway", shutdown.OrderCloseGateway, func(ctx context.Context) error {
		return gateway.Close()
	})

	userOps := handler.NewUserOpMethodHandler(handler.Config{
		Beneficiary:   cfg.Bundler.BeneficiaryAddress(),
		SignerAddress: cfg.Bundler.Signer(),
		MinBalance:    cfg.Bundler.MinBalance,
		Unsafe:        cfg.Bundler.Unsafe,
	}, client, entryPoint, validator, estimator, gateway, logger)

	// 可选的覆盖配置管理接口
	var overrides api.OverrideStore
	if dsn := os.Getenv(config.EnvDatabaseDSN); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			return fmt.Errorf("连接配置数据库失败: %w", err)
		}
		graceful.Register("database", shutdown.OrderCloseNode, func(ctx context.Context) error {
			return dbConfig.Close()
		})
		overrides = dbConfig
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	lister, _ := gateway.(mempool.Lister)
	server := api.NewServer(api.Options{
		Address:   cfg.Server.Address(),
		Handler:   userOps,
		Nodes:     nodes,
		Mempool:   lister,
		Overrides: overrides,
		Metrics:   metrics.NewBundlerMetrics(registry),
		Gatherer:  registry,
		Logger:    logger,
	})
	graceful.Register("rpc_server", shutdown.OrderStopHTTPServer, server.Stop)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serveErr <- err
		}
	}()

	graceful.ListenSignals()
	logger.WithFields(logrus.Fields{
		"address":     cfg.Server.Address(),
		"entry_point": entryPoint.Address().Hex(),
		"chain_id":    nodes.ChainID().String(),
		"mempool":     cfg.Mempool.Type,
		"unsafe":      cfg.Bundler.Unsafe,
	}).Info("bundler 已启动")

	var runErr error
	select {
	case <-graceful.Done():
	case runErr = <-serveErr:
		logger.Errorf("RPC服务器异常退出: %v", runErr)
	}

	return errors.Join(runErr, graceful.Shutdown())
}

// gatewayConfig 转换内存池配置
func gatewayConfig(cfg *config.MempoolConfig) mempool.Config {
	out := mempool.Config{Type: cfg.Type}
	if cfg.Kafka != nil {
		out.Kafka = mempool.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}
	}
	if cfg.Bolt != nil {
		out.Bolt = mempool.BoltConfig{Path: cfg.Bolt.Path}
	}
	return out
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), handler.ClientVersionPrefix)
		},
	}
}

// configCmd 管理数据库中的覆盖配置
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "管理数据库覆盖配置",
	}
	cmd.PersistentFlags().StringVar(&databaseDSN, "dsn", "", "数据库连接串，默认读取 "+config.EnvDatabaseDSN)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "列出生效的覆盖配置",
			Args:  cobra.NoArgs,
			RunE: withDatabase(func(cmd *cobra.Command, db *config.DatabaseConfig, args []string) error {
				configs, err := db.ListConfigs()
				if err != nil {
					return fmt.Errorf("读取配置失败: %w", err)
				}
				for _, key := range config.SortedKeys(configs) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, configs[key])
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "设置覆盖配置，重启后生效",
			Args:  cobra.ExactArgs(2),
			RunE: withDatabase(func(cmd *cobra.Command, db *config.DatabaseConfig, args []string) error {
				if err := db.UpdateConfig(args[0], args[1]); err != nil {
					return fmt.Errorf("更新配置失败: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "已设置 %s\n", args[0])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "disable <key>",
			Short: "停用覆盖配置",
			Args:  cobra.ExactArgs(1),
			RunE: withDatabase(func(cmd *cobra.Command, db *config.DatabaseConfig, args []string) error {
				if err := db.DisableConfig(args[0]); err != nil {
					return fmt.Errorf("停用配置失败: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "已停用 %s\n", args[0])
				return nil
			}),
		},
	)
	return cmd
}

func withDatabase(fn func(cmd *cobra.Command, db *config.DatabaseConfig, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		dsn := databaseDSN
		if dsn == "" {
			dsn = os.Getenv(config.EnvDatabaseDSN)
		}
		if dsn == "" {
			return fmt.Errorf("未指定数据库连接串，请使用 --dsn 或设置 %s", config.EnvDatabaseDSN)
		}

		db, err := config.NewDatabaseConfig(dsn, bootstrapLogger())
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(cmd, db, args)
	}
}

// mempoolCmd 查看本地日志网关中最近提交的操作
func mempoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mempool",
		Short: "查看本地网关最近提交的用户操作",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(config.Options{ConfigFile: configFile}, bootstrapLogger())
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			if cfg.Mempool.Type != mempool.TypeBolt {
				return fmt.Errorf("当前网关类型 %s 不支持本地查询", cfg.Mempool.Type)
			}

			journal, err := mempool.NewBoltGateway(cfg.Mempool.Bolt.Path, bootstrapLogger())
			if err != nil {
				return err
			}
			defer journal.Close()

			total, err := journal.Count()
			if err != nil {
				return err
			}
			ops, err := journal.Recent(recentLimit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: 共 %d 条记录\n", journal.Path(), total)
			for _, op := range ops {
				sender, nonce := "", ""
				if op.UserOperation != nil && op.UserOperation.Sender != nil {
					sender = op.UserOperation.Sender.String()
				}
				if op.UserOperation != nil && op.UserOperation.Nonce != nil {
					nonce = op.UserOperation.Nonce.String()
				}
				fmt.Fprintf(out, "%s  %s  sender=%s nonce=%s\n",
					op.ReceivedAt.Format(time.RFC3339), op.ID, sender, nonce)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&recentLimit, "limit", 20, "显示条数")
	return cmd
}
