package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	_ "github.com/tianshanos/tianshan-core/migrations"

	"github.com/tianshanos/tianshan-core/internal/api"
	"github.com/tianshanos/tianshan-core/internal/audit"
	"github.com/tianshanos/tianshan-core/internal/auth"
	"github.com/tianshanos/tianshan-core/internal/bridges/telemetry"
	"github.com/tianshanos/tianshan-core/internal/confstore"
	"github.com/tianshanos/tianshan-core/internal/device"
	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/fan"
	"github.com/tianshanos/tianshan-core/internal/hal"
	"github.com/tianshanos/tianshan-core/internal/history"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/config"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/database"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/influxdb"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/logging"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/mqtt"
	"github.com/tianshanos/tianshan-core/internal/media"
	"github.com/tianshanos/tianshan-core/internal/power"
	"github.com/tianshanos/tianshan-core/internal/service"
)

// Fixed I2C addresses of the onboard shunt monitors.
const (
	ina226Addr  = 0x40
	ina3221Addr = 0x41

	ina226ShuntOhms  = 0.01
	ina3221ShuntOhms = 0.01

	pzemBaud = 9600
)

// app owns every subsystem of the daemon. Construction wires the
// object graph; the service orchestrator drives lifecycles.
type app struct {
	cfg *config.Config
	log *logging.Logger

	bus      *eventbus.Bus
	db       *database.DB
	media    *media.Manager
	store    *confstore.Engine
	authMgr  *auth.Manager
	monitor  *power.Monitor
	policy   *power.Policy
	auditRec *audit.Recorder
	devCtl   *device.Controller
	fanCtl   *fan.Controller

	registry   *api.Registry
	dispatcher *api.Dispatcher
	server     *api.Server
	orch       *service.Orchestrator

	startedAt time.Time
	noAPI     bool
}

// appOption tweaks app construction.
type appOption func(*app)

// withoutAPI skips the HTTP server, for the in-process CLI mode.
func withoutAPI() appOption {
	return func(a *app) { a.noAPI = true }
}

// newApp builds the full object graph. Hardware that is absent or
// unresponsive is logged and skipped; the daemon still serves the API.
func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger, opts ...appOption) (*app, error) {
	a := &app{
		cfg:       cfg,
		log:       log,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.bus = eventbus.New(0)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	a.media = media.New(cfg.Media.MountPoint, cfg.GetMediaPollInterval(), a.bus,
		media.WithLogger(log.Component("media")))

	backend := confstore.NewSQLiteBackend(db)
	store, err := confstore.New(backend, a.media, a.bus,
		confstore.WithLogger(log.Component("confstore")))
	if err != nil {
		return nil, fmt.Errorf("creating config engine: %w", err)
	}
	if err := confstore.RegisterDefaultSchemas(store); err != nil {
		return nil, fmt.Errorf("registering config schemas: %w", err)
	}
	a.store = store

	authMgr, err := auth.NewManager(backend, auth.Config{
		TokenExpire:      cfg.Auth.TokenExpire,
		LockoutThreshold: cfg.Auth.LockoutThreshold,
		LockoutWindow:    cfg.Auth.LockoutWindow,
		LockoutCooldown:  cfg.Auth.LockoutCooldown,
	}, a.bus, auth.WithLogger(log.Component("auth")))
	if err != nil {
		return nil, fmt.Errorf("creating auth manager: %w", err)
	}
	a.authMgr = authMgr

	a.monitor = power.NewMonitor(a.bus, log.Component("power"))
	inputSensor := a.buildRails()

	devices := a.buildDeviceControl()
	if cfg.Fan.PWMPath != "" {
		a.fanCtl = fan.NewController(
			fan.NewHwmonHardware(cfg.Fan.PWMPath, cfg.Fan.TempPath),
			store, a.bus, fan.WithLogger(log.Component("fan")))
	}
	a.buildPolicy(inputSensor, devices)

	var mux device.Mux
	if cfg.Power.USBMuxGPIO != "" {
		mux = device.NewGPIOMux(cfg.Power.USBMuxGPIO)
	}
	a.devCtl = device.NewController(devices, mux, store, a.bus,
		device.WithLogger(log.Component("device")))

	a.auditRec = audit.NewRecorder(db, a.bus, log.Component("audit"))

	a.registry = api.NewRegistry()
	a.dispatcher = api.NewDispatcher(a.registry, auth.Resolver{Manager: authMgr}, log.Component("api"))

	if !a.noAPI {
		server, err := api.New(api.Deps{
			Config:     cfg.API,
			Logger:     log.Component("api"),
			Dispatcher: a.dispatcher,
			Bus:        a.bus,
			Version:    version,
		})
		if err != nil {
			return nil, fmt.Errorf("creating API server: %w", err)
		}
		a.server = server
	}

	a.orch = service.NewOrchestrator(a.bus, log.Component("service"))
	if err := a.registerServices(); err != nil {
		return nil, fmt.Errorf("registering services: %w", err)
	}

	auth.RegisterEndpoints(a.registry, authMgr)
	confstore.RegisterEndpoints(a.registry, store)
	power.RegisterEndpoints(a.registry, a.monitor, a.policy, a.store)
	service.RegisterEndpoints(a.registry, a.orch)
	device.RegisterEndpoints(a.registry, a.devCtl)
	audit.RegisterEndpoints(a.registry, a.auditRec)
	if a.fanCtl != nil {
		fan.RegisterEndpoints(a.registry, a.fanCtl)
	}
	a.registerSystemEndpoints()

	return a, nil
}

// buildRails probes the sensor buses and registers whatever responds.
// Returns the DC input sensor for the protection policy, or nil.
func (a *app) buildRails() power.Sensor {
	var inputSensor power.Sensor

	i2c226, err := hal.OpenI2C(a.cfg.Power.I2CDevice, ina226Addr)
	if err != nil {
		a.log.Warn("input shunt monitor unavailable", "device", a.cfg.Power.I2CDevice, "error", err)
	} else if sensor, err := power.NewINA226(i2c226, ina226ShuntOhms); err != nil {
		a.log.Warn("INA226 init failed", "error", err)
		_ = i2c226.Close() //nolint:errcheck // probe failed
	} else {
		inputSensor = sensor
		_ = a.monitor.RegisterRail("dc_input", sensor) //nolint:errcheck // fresh monitor
	}

	i2c3221, err := hal.OpenI2C(a.cfg.Power.I2CDevice, ina3221Addr)
	if err != nil {
		a.log.Warn("rail monitor unavailable", "device", a.cfg.Power.I2CDevice, "error", err)
	} else {
		rails := []struct {
			name    string
			channel int
		}{
			{"agx", 0},
			{"lpmu", 1},
			{"ssd", 2},
		}
		for _, r := range rails {
			sensor, err := power.NewINA3221(i2c3221, r.channel, ina3221ShuntOhms)
			if err != nil {
				a.log.Warn("INA3221 init failed", "rail", r.name, "error", err)
				break
			}
			_ = a.monitor.RegisterRail(r.name, sensor) //nolint:errcheck // fresh monitor
		}
	}

	serial, err := hal.OpenSerial(a.cfg.Power.SerialDevice, pzemBaud)
	if err != nil {
		a.log.Warn("AC meter unavailable", "device", a.cfg.Power.SerialDevice, "error", err)
	} else {
		_ = a.monitor.RegisterRail("ac", power.NewPZEM(serial)) //nolint:errcheck // fresh monitor
	}

	return inputSensor
}

// unavailableSource stands in when the input shunt monitor is absent.
// The policy counts the failures and holds in NORMAL.
type unavailableSource struct{}

func (unavailableSource) Voltage() (float64, error) {
	return 0, errors.New("input sensor not present")
}

// buildPolicy wires the low-voltage protection state machine. Without
// an input sensor the policy still exists so the API surface is
// complete; every reading is counted as a sensor failure.
func (a *app) buildPolicy(inputSensor power.Sensor, devices power.DeviceControl) {
	var source power.VoltageSource = unavailableSource{}
	if inputSensor != nil {
		source = power.SensorVoltage{Sensor: inputSensor}
	} else {
		a.log.Warn("input sensor missing, protection will report sensor failures")
	}

	cfg := power.DefaultPolicyConfig()
	cfg.LPMUPingAddr = a.cfg.Power.LPMUPingAddr
	policy, err := power.NewPolicy(cfg,
		source, devices, a.bus,
		power.WithPolicyLogger(a.log.Component("protection")),
		power.WithRestart(func() {
			if err := devices.SetAGXPower(true); err != nil {
				a.log.Error("AGX power restore failed", "error", err)
			}
		}),
		power.WithFanStop(func() {
			if a.fanCtl != nil {
				a.fanCtl.ForceOff()
				return
			}
			a.log.Info("fan stop timer expired")
		}),
	)
	if err != nil {
		a.log.Error("protection policy init failed", "error", err)
		return
	}
	a.policy = policy
}

// applyStoredProtection folds the persisted protection settings into
// the live policy once the configuration engine has loaded.
func (a *app) applyStoredProtection() {
	if a.policy == nil {
		return
	}
	cfg := power.StoredPolicyConfig(a.store)
	if err := a.policy.SetThresholds(cfg.LowThreshold, cfg.RecoveryThreshold); err != nil {
		a.log.Warn("stored thresholds rejected", "error", err)
	}
	if err := a.policy.SetShutdownDelay(cfg.ShutdownDelay); err != nil {
		a.log.Warn("stored shutdown delay rejected", "error", err)
	}
	if err := a.policy.SetRecoveryHold(cfg.RecoveryHold); err != nil {
		a.log.Warn("stored recovery hold rejected", "error", err)
	}
	if err := a.policy.SetFanStopDelay(cfg.FanStopDelay); err != nil {
		a.log.Warn("stored fan stop delay rejected", "error", err)
	}
	a.policy.SetEnabled(power.StoredProtectionEnabled(a.store))
}

func (a *app) buildDeviceControl() power.DeviceControl {
	p := a.cfg.Power
	if p.AGXPowerGPIO == "" || p.LPMUPowerGPIO == "" {
		a.log.Warn("device power GPIOs not configured, using no-op control")
		return power.NewNopControl()
	}
	return power.NewGPIOControl(p.AGXPowerGPIO, p.LPMUPowerGPIO, p.AGXSenseGPIO)
}

// registration pairs a service with its boot stage.
type registration struct {
	svc   service.Service
	stage service.Stage
	opts  []service.Option
}

// registerServices places every subsystem into its boot stage.
func (a *app) registerServices() error {
	regs := []registration{
		{service.Funcs{
			ServiceName: "media",
			OnStart: func(context.Context) error {
				a.media.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				a.media.Stop()
				return nil
			},
		}, service.StageStorage, nil},

		{a.auditRec, service.StageSecurity, nil},

		{service.Funcs{
			ServiceName: "confstore",
			OnStart: func(context.Context) error {
				return a.store.LoadAll()
			},
			OnStop: func(context.Context) error {
				return a.store.Close()
			},
		}, service.StageStorage, []service.Option{service.WithDeps("media")}},

		{service.Funcs{
			ServiceName: "monitor",
			OnStart: func(context.Context) error {
				return a.monitor.Start(a.cfg.GetSampleInterval())
			},
			OnStop: func(context.Context) error {
				err := a.monitor.Stop()
				if errors.Is(err, power.ErrNotRunning) {
					return nil
				}
				return err
			},
		}, service.StageDrivers, []service.Option{service.Restartable()}},

		{service.Funcs{
			ServiceName: "protection",
			OnStart: func(context.Context) error {
				a.applyStoredProtection()
				return a.policy.Start()
			},
			OnStop: func(context.Context) error {
				err := a.policy.Stop()
				if errors.Is(err, power.ErrNotRunning) {
					return nil
				}
				return err
			},
		}, service.StageDrivers, []service.Option{service.WithDeps("monitor", "confstore")}},

		{a.devCtl, service.StageDrivers, []service.Option{service.WithDeps("confstore")}},
	}

	if a.fanCtl != nil {
		regs = append(regs, registration{
			svc:   a.fanCtl,
			stage: service.StageDrivers,
			opts:  []service.Option{service.WithDeps("confstore"), service.Restartable()},
		})
	}

	if a.server != nil {
		regs = append(regs, registration{
			svc: service.Funcs{
				ServiceName: "api",
				OnStart: func(ctx context.Context) error {
					return a.server.Start(ctx)
				},
				OnStop: func(context.Context) error {
					return a.server.Close()
				},
			},
			stage: service.StageAPI,
		})
	}

	regs = append(regs, a.bridgeRegistrations()...)

	for _, r := range regs {
		if err := a.orch.Register(r.svc, r.stage, r.opts...); err != nil {
			return err
		}
	}
	return nil
}

// bridgeRegistrations wires the optional MQTT telemetry bridge and the
// InfluxDB history recorder when they are enabled in config.
func (a *app) bridgeRegistrations() []registration {
	var regs []registration

	if a.cfg.MQTT.Enabled {
		mqttClient, err := mqtt.Connect(a.cfg.MQTT, a.cfg.Node.ID)
		if err != nil {
			a.log.Warn("MQTT broker unavailable, telemetry disabled", "error", err)
		} else {
			log := a.log.Component("telemetry")
			mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
			mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })

			bridge := telemetry.New(a.bus, mqttClient, mqttClient.Topics(),
				telemetry.WithNamer(eventName),
				telemetry.WithLogger(log))
			regs = append(regs, registration{
				svc:   bridge,
				stage: service.StageNet,
				opts:  []service.Option{service.Restartable()},
			})
		}
	}

	if a.cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(a.cfg.InfluxDB)
		if err != nil {
			a.log.Warn("InfluxDB unavailable, history disabled", "error", err)
		} else {
			log := a.log.Component("history")
			influxClient.SetOnError(func(err error) { log.Error("InfluxDB write error", "error", err) })

			recorder := history.NewRecorder(a.monitor, influxClient, a.bus,
				history.WithLogger(log))
			regs = append(regs, registration{
				svc:   recorder,
				stage: service.StageDrivers,
				opts:  []service.Option{service.WithDeps("monitor"), service.Restartable()},
			})
		}
	}

	return regs
}

// close releases resources not owned by the orchestrator.
func (a *app) close() {
	a.bus.Stop()
	if err := a.db.Close(); err != nil {
		a.log.Error("error closing database", "error", err)
	}
}
