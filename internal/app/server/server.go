// Package server 装配并运行控制面进程
package server

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"flowgate/internal/admission"
	"flowgate/internal/api"
	"flowgate/internal/attribution"
	"flowgate/internal/broker"
	"flowgate/internal/config"
	"flowgate/internal/coordinator"
	"flowgate/internal/core/dispose"
	"flowgate/internal/core/events"
	corelog "flowgate/internal/core/log"
	"flowgate/internal/health"
	"flowgate/internal/metering"
	"flowgate/internal/models"
	"flowgate/internal/persistence"
	"flowgate/internal/rulectl"
)

// Server 控制面进程的全部组件
type Server struct {
	config *config.Root
	nodeID string

	store       persistence.Store
	bus         events.EventBus
	resolver    *attribution.Resolver
	delta       *metering.DeltaEngine
	ledger      *metering.Ledger
	accountant  *metering.Accountant
	admission   *admission.Service
	ruleCtl     *rulectl.Controller
	msgBroker   broker.MessageBroker
	coordinator *coordinator.Coordinator
	health      *health.CompositeHealthChecker
	apiServer   *api.Server

	cancel context.CancelFunc
}

// New 装配控制面进程
func New(parentCtx context.Context, cfg *config.Root) (*Server, error) {
	if err := corelog.Init(&cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	dispose.SetLogger(disposeLogBridge)

	ctx, cancel := context.WithCancel(parentCtx)
	s := &Server{
		config: cfg,
		nodeID: newNodeID(),
		cancel: cancel,
	}

	if err := s.wire(ctx); err != nil {
		cancel()
		s.closeAll()
		return nil, err
	}
	return s, nil
}

// wire 按依赖顺序创建组件
func (s *Server) wire(ctx context.Context) error {
	store, err := persistence.NewStore(ctx, &s.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	s.store = store

	s.bus = events.NewEventBus(ctx)

	s.ledger = metering.NewLedger(ctx, store, s.config.Metering)
	if err := s.ledger.Hydrate(ctx); err != nil {
		corelog.Warnf("Server: ledger hydration failed, starting empty: %v", err)
	}

	// 归属条目的角色取自台账（无行时按普通用户处理）
	s.resolver = attribution.NewResolver(ctx, func(userID string) models.UserRole {
		if usage, ok := s.ledger.Lookup(userID); ok {
			return usage.Role
		}
		return models.RoleUser
	})

	rules, err := store.ListRules(ctx)
	if err != nil {
		corelog.Warnf("Server: rule scan failed, attribution cache starts empty: %v", err)
	} else {
		s.resolver.Rebuild(rules)
		corelog.Infof("Server: attribution cache built from %d rules (%d active entries)",
			len(rules), s.resolver.Size())
	}

	s.delta = metering.NewDeltaEngine(ctx, s.config.Metering.ReportMode)
	s.accountant = metering.NewAccountant(s.resolver, s.delta, s.ledger, store, store, s.bus)

	admissionSvc, err := admission.NewService(s.resolver, s.ledger,
		s.config.Admission.CacheSize, s.config.Admission.CacheTTL)
	if err != nil {
		return fmt.Errorf("failed to create admission service: %w", err)
	}
	s.admission = admissionSvc
	s.accountant.SetCacheInvalidator(admissionSvc)

	msgBroker, err := broker.NewMessageBroker(ctx, s.config.Coordinator, s.nodeID)
	if err != nil {
		return fmt.Errorf("failed to create message broker: %w", err)
	}
	s.msgBroker = msgBroker

	s.coordinator = coordinator.NewCoordinator(ctx, msgBroker, s.accountant,
		s.nodeID, s.config.Coordinator.ResyncInterval)
	s.accountant.SetBroadcaster(s.coordinator)

	s.ruleCtl = rulectl.NewController(ctx, store, s.accountant, s.ledger, s.bus)

	s.health = health.NewCompositeHealthChecker(2 * time.Second)
	s.health.RegisterChecker("storage", health.NewPingChecker("storage", store.Ping))
	s.health.RegisterChecker("broker", health.NewPingChecker("broker", msgBroker.Ping))

	s.apiServer = api.NewServer(ctx, s.config.Server, s.config.Management, &engineCore{server: s})
	return nil
}

// Run 运行进程：启动组件、等待信号、优雅关闭
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.ruleCtl.Start(); err != nil {
		return fmt.Errorf("failed to start rule controller: %w", err)
	}
	if err := s.coordinator.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.apiServer.Serve()
	})
	g.Go(func() error {
		<-gctx.Done()
		corelog.Infof("Server: shutdown signal received")
		s.closeAll()
		return nil
	})

	err := g.Wait()
	corelog.Infof("Server: exited")
	return err
}

// NodeID 返回本进程的节点ID
func (s *Server) NodeID() string {
	return s.nodeID
}

// closeAll 按装配的逆序关闭组件
func (s *Server) closeAll() {
	if s.apiServer != nil {
		if result := s.apiServer.Close(); result != nil && result.HasErrors() {
			corelog.Warnf("Server: api server close: %s", result.Error())
		}
	}
	if s.ruleCtl != nil {
		s.ruleCtl.Close()
	}
	if s.coordinator != nil {
		s.coordinator.Close()
	}
	if s.msgBroker != nil {
		if err := s.msgBroker.Close(); err != nil {
			corelog.Warnf("Server: broker close: %v", err)
		}
	}
	if s.ledger != nil {
		// 存储关闭前把剩余脏条目落盘
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.ledger.Flush(flushCtx)
		cancel()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			corelog.Warnf("Server: event bus close: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			corelog.Warnf("Server: storage close: %v", err)
		}
	}
}

// newNodeID 生成短节点ID
func newNodeID() string {
	return "node-" + strings.Split(uuid.NewString(), "-")[0]
}

// disposeLogBridge 将 dispose 包的日志桥接到主日志系统
func disposeLogBridge(level string, format string, args ...interface{}) {
	switch level {
	case "debug":
		corelog.Debugf(format, args...)
	case "warn":
		corelog.Warnf(format, args...)
	case "error":
		corelog.Errorf(format, args...)
	default:
		corelog.Infof(format, args...)
	}
}

// LoadConfig 加载配置文件；路径为空时使用默认配置
func LoadConfig(path string) (*config.Root, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
