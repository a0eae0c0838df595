package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/librescoot/librefsm"
	"github.com/redis/go-redis/v9"
	redis_ipc "github.com/rescoot/redis-ipc"

	"github.com/librescoot/cleaning-service/internal/api"
	"github.com/librescoot/cleaning-service/internal/bus"
	"github.com/librescoot/cleaning-service/internal/config"
	"github.com/librescoot/cleaning-service/internal/fsm"
	"github.com/librescoot/cleaning-service/internal/hardware"
	"github.com/librescoot/cleaning-service/internal/inhibitor"
	"github.com/librescoot/cleaning-service/internal/systemd"
)

type Service struct {
	config           *config.Config
	logger           *log.Logger
	redis            *redis_ipc.Client
	standardRedis    *redis.Client
	board            *Board
	unit             *Unit
	ex               *bus.Exchange
	bridge           *bus.RedisBridge
	ipc              *bus.IPC
	api              *api.Server
	inhibitorManager *inhibitor.Manager
	systemd          *systemd.Client
	machine          *librefsm.Machine
	sched            *scheduler

	events    chan Event
	lifecycle bus.Slot[string]
	now       func() time.Time

	ctx          context.Context
	checkRunning atomic.Bool
	mu           sync.Mutex
	checkCancel  context.CancelFunc
}

func New(cfg *config.Config, logger *log.Logger) (*Service, error) {
	params := config.DefaultDeviceParams()
	if cfg.ParamsFile != "" {
		var err error
		params, err = config.LoadDeviceParams(cfg.ParamsFile)
		if err != nil {
			return nil, err
		}
		logger.Printf("Loaded device parameters from %s", cfg.ParamsFile)
	}

	sd := systemd.NewClient(cfg.WatchdogTick)

	var board *Board
	switch cfg.Backend {
	case config.BackendSim:
		board = NewSimBoard(hardware.NewSimBoard(time.Now))
		board.Watchdog = sd
	case config.BackendGPIO:
		var err error
		board, err = NewGPIOBoard(cfg, params, sd, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open hardware: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown hardware backend %q", cfg.Backend)
	}

	service, err := newService(cfg, params, board, sd, logger)
	if err != nil {
		board.Close()
		return nil, err
	}

	redisConfig := redis_ipc.Config{
		Address:       cfg.RedisHost,
		Port:          cfg.RedisPort,
		RetryInterval: 5 * time.Second,
		MaxRetries:    3,
	}

	redisClient, err := redis_ipc.New(redisConfig)
	if err != nil {
		board.Close()
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}
	service.redis = redisClient

	// Plain client for the status hash and the request list
	service.standardRedis = redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		DB:   0,
	})

	service.ipc = bus.NewIPC(redisClient, service.ex, service, logger)
	service.bridge = bus.NewRedisBridge(context.Background(), service.standardRedis, service.ex, service, logger)

	if cfg.HTTPAddr != "" {
		service.api = api.NewServer(cfg.HTTPAddr, service.ex, service, logger)
	}

	backend, err := service.inhibitorBackend()
	if err != nil {
		logger.Printf("Failed to set up %s inhibitor, running without: %v", cfg.Inhibitor, err)
		backend = inhibitor.Nop{}
	}
	service.inhibitorManager = inhibitor.NewManager(logger, backend, inhibitor.Inhibitor{
		Who:  "cleaning-service",
		What: "sleep",
		Why:  "cleaning unit in motion",
		Type: inhibitor.TypeBlock,
	})

	return service, nil
}

// newService wires the control core on top of a board. Bus clients are
// attached by New.
func newService(cfg *config.Config, params config.DeviceParams, board *Board, sd *systemd.Client, logger *log.Logger) (*Service, error) {
	unit, err := NewUnit(params, board, logger)
	if err != nil {
		return nil, err
	}

	ex := bus.NewExchange(cfg.WaterLevel)
	ex.DryRun.Write(cfg.DryRun)

	s := &Service{
		config:           cfg,
		logger:           logger,
		board:            board,
		unit:             unit,
		ex:               ex,
		systemd:          sd,
		inhibitorManager: inhibitor.NewManager(logger, inhibitor.Nop{}, inhibitor.Inhibitor{}),
		events:           make(chan Event, 10),
		now:              time.Now,
		ctx:              context.Background(),
	}

	machine, err := fsm.NewDefinition(s, cfg.CheckTimeout).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build lifecycle FSM: %w", err)
	}
	s.machine = machine

	s.sched = newScheduler()
	s.sched.add("device", cfg.DeviceTick, unit.TickDevices)
	s.sched.add("safety", cfg.SafetyTick, unit.TickSafety)
	s.sched.add("control", cfg.ControlTick, s.control)
	s.sched.add("publish", cfg.PublishTick, s.snapshot)
	s.sched.add("watchdog", cfg.WatchdogTick, s.refreshWatchdog)
	return s, nil
}

func (s *Service) inhibitorBackend() (inhibitor.Backend, error) {
	switch s.config.Inhibitor {
	case config.InhibitorNone:
		return inhibitor.Nop{}, nil
	case config.InhibitorLogind:
		return inhibitor.NewLogind()
	case config.InhibitorSocket:
		return inhibitor.NewSocket(s.config.SocketPath), nil
	case config.InhibitorRedis:
		return inhibitor.NewRedis(context.Background(), s.standardRedis, "cleaning-service"), nil
	default:
		return nil, fmt.Errorf("unknown inhibitor %q", s.config.Inhibitor)
	}
}

func (s *Service) Run(ctx context.Context) error {
	go s.board.Run(ctx)

	if s.ipc != nil {
		if err := s.ipc.Start(); err != nil {
			return fmt.Errorf("failed to start settings listener: %w", err)
		}
	}
	if s.bridge != nil {
		if err := s.bridge.Start(); err != nil {
			return fmt.Errorf("failed to start request listener: %w", err)
		}
	}
	if s.api != nil {
		s.api.StartAsync()
	}

	if err := s.start(ctx); err != nil {
		return err
	}
	go s.publishLoop(ctx)

	if err := s.systemd.Ready(); err != nil {
		s.logger.Printf("Failed to notify systemd: %v", err)
	}

	s.controlLoop(ctx)

	s.shutdown()
	return nil
}

// start starts the lifecycle FSM, which runs the first chain check.
func (s *Service) start(ctx context.Context) error {
	s.ctx = ctx
	// The FSM outlives ctx long enough to take the shutdown event
	if err := s.machine.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start lifecycle FSM: %w", err)
	}
	return nil
}

func (s *Service) shutdown() {
	s.logger.Printf("Shutting down")
	if err := s.systemd.Stopping(); err != nil {
		s.logger.Printf("Failed to notify systemd: %v", err)
	}

	s.machine.Send(librefsm.Event{ID: fsm.EvShutdown})
	s.unit.Halt(s.now())
	s.ex.Snapshot.Write(s.unit.Snapshot(string(fsm.StateShutdown), s.ex))
	s.publish()
	s.machine.Stop()

	if s.api != nil {
		if err := s.api.Shutdown(); err != nil {
			s.logger.Printf("Failed to stop diagnostics endpoint: %v", err)
		}
	}
	if s.bridge != nil {
		s.bridge.Stop()
	}

	if err := s.inhibitorManager.Close(); err != nil {
		s.logger.Printf("Failed to close inhibitor manager: %v", err)
	}

	if err := s.board.Close(); err != nil {
		s.logger.Printf("Failed to close hardware: %v", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Printf("Failed to close Redis client: %v", err)
		}
	}
	if s.standardRedis != nil {
		if err := s.standardRedis.Close(); err != nil {
			s.logger.Printf("Failed to close Redis client: %v", err)
		}
	}
	if err := s.systemd.Close(); err != nil {
		s.logger.Printf("Failed to close systemd notifier: %v", err)
	}
}

// controlLoop owns the unit: every tick of the device period it runs the
// due tasks, and it handles events posted from other goroutines.
func (s *Service) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.DeviceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.events:
			s.handleEvent(evt)
		case <-ticker.C:
			s.sched.step(s.now())
		}
	}
}

func (s *Service) handleEvent(evt Event) {
	switch evt.Type {
	case EventCheckDone:
		data := evt.Data.(CheckDoneData)
		if data.Err != nil {
			s.machine.Send(librefsm.Event{ID: fsm.EvCheckFailed})
		} else {
			s.machine.Send(librefsm.Event{ID: fsm.EvCheckPassed})
		}
	}
}

func (s *Service) post(evt Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

// control runs the orchestrator while operational. Otherwise it only keeps
// the safety monitor fed and watches for a supervisor reset.
func (s *Service) control(now time.Time) {
	s.unit.ApplySettings(s.ex)

	switch librefsm.StateID(s.lifecycle.Read()) {
	case fsm.StateOperational:
		s.unit.TickOrchestrator(now)
	case fsm.StateCheckFailed:
		s.unit.Kick()
		if !s.checkRunning.Load() && s.unit.RecheckRequested() {
			s.logger.Printf("Supervisor reset, rerunning safety chain check")
			s.machine.Send(librefsm.Event{ID: fsm.EvSupervisorReset})
		}
	default:
		s.unit.Kick()
	}
}

func (s *Service) snapshot(time.Time) {
	snap := s.unit.Snapshot(s.lifecycle.Read(), s.ex)
	snap.Debug["overruns"] = s.sched.overruns("device")
	s.ex.Snapshot.Write(snap)
}

func (s *Service) refreshWatchdog(time.Time) {
	if s.board.Watchdog != nil {
		s.board.Watchdog.Refresh()
	}
}

// publishLoop pushes the exchange to the bus. It never touches the unit.
func (s *Service) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PublishTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish()
		}
	}
}

func (s *Service) publish() {
	snap := s.ex.Snapshot.Read()
	if s.bridge != nil {
		s.bridge.Publish()
	}
	if s.ipc != nil {
		s.ipc.PublishFault(snap.Fault)
	}
	s.inhibitorManager.Set(snap.Busy)
}

// Command implements bus.Commander for cleaning requests.
func (s *Service) Command(cmd string) error {
	if err := s.unit.Command(cmd); err != nil {
		return fmt.Errorf("failed to parse command: %w", err)
	}
	return nil
}

// SafetyCommand implements bus.Commander for safety requests.
func (s *Service) SafetyCommand(cmd string) error {
	if err := s.unit.SafetyCommand(cmd); err != nil {
		return fmt.Errorf("failed to parse safety command: %w", err)
	}
	return nil
}

// FSM actions

func (s *Service) EnterSelfTest(c *librefsm.Context) error {
	s.PublishState(string(fsm.StateSelfTest))
	s.logger.Printf("Running safety chain check")

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.checkCancel = cancel
	s.mu.Unlock()

	s.checkRunning.Store(true)
	go func() {
		defer cancel()
		err := s.unit.CheckSafetyChain(ctx, s.config.CheckRetries)
		s.checkRunning.Store(false)
		s.post(Event{Type: EventCheckDone, Data: CheckDoneData{Err: err}})
	}()
	return nil
}

func (s *Service) EnterOperational(c *librefsm.Context) error {
	s.logger.Printf("Cleaning unit operational")
	return s.PublishState(string(fsm.StateOperational))
}

func (s *Service) ExitOperational(c *librefsm.Context) error {
	s.logger.Printf("Leaving operational state")
	return nil
}

func (s *Service) EnterCheckFailed(c *librefsm.Context) error {
	s.logger.Printf("Safety chain check failed, waiting for clear-errors: %v", s.unit.safety.CheckError())
	return s.PublishState(string(fsm.StateCheckFailed))
}

func (s *Service) EnterShutdown(c *librefsm.Context) error {
	s.cancelCheck()
	return s.PublishState(string(fsm.StateShutdown))
}

func (s *Service) IsCheckIdle(c *librefsm.Context) bool {
	return !s.checkRunning.Load()
}

func (s *Service) OnCheckTimeout(c *librefsm.Context) error {
	s.logger.Printf("Safety chain check timed out after %v", s.config.CheckTimeout)
	s.cancelCheck()
	return nil
}

func (s *Service) cancelCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkCancel != nil {
		s.checkCancel()
		s.checkCancel = nil
	}
}

// PublishState records the lifecycle state; the control loop publishes it
// with the next snapshot.
func (s *Service) PublishState(state string) error {
	if prev := s.lifecycle.Read(); prev != state {
		s.logger.Printf("Lifecycle state: %s -> %s", prev, state)
	}
	s.lifecycle.Write(state)
	return nil
}
