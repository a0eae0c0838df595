package config

import (
	"flag"
	"time"
)

// Backend names
const (
	BackendSim  = "sim"
	BackendGPIO = "gpio"
)

// Inhibitor kinds
const (
	InhibitorNone   = "none"
	InhibitorLogind = "logind"
	InhibitorSocket = "socket"
	InhibitorRedis  = "redis"
)

type Config struct {
	RedisHost string
	RedisPort int

	Backend      string
	GPIOChip     string
	ModbusDevice string
	ModbusBaud   int

	DeviceTick   time.Duration
	SafetyTick   time.Duration
	ControlTick  time.Duration
	PublishTick  time.Duration
	WatchdogTick time.Duration

	CheckRetries int
	CheckTimeout time.Duration

	HTTPAddr   string
	Inhibitor  string
	SocketPath string
	ParamsFile string

	WaterLevel int
	DryRun     bool
}

func New() *Config {
	return &Config{
		RedisHost:    "localhost",
		RedisPort:    6379,
		Backend:      BackendSim,
		GPIOChip:     "gpiochip0",
		ModbusDevice: "/dev/ttymxc2",
		ModbusBaud:   115200,
		DeviceTick:   time.Millisecond,
		SafetyTick:   10 * time.Millisecond,
		ControlTick:  10 * time.Millisecond,
		PublishTick:  100 * time.Millisecond,
		WatchdogTick: time.Second,
		CheckRetries: 3,
		CheckTimeout: 2 * time.Minute,
		HTTPAddr:     "",
		Inhibitor:    InhibitorNone,
		SocketPath:   "/tmp/suspend_inhibitor",
		ParamsFile:   "",
		WaterLevel:   1,
		DryRun:       false,
	}
}

func (c *Config) Parse() {
	c.register(flag.CommandLine)
	flag.Parse()
}

func (c *Config) register(fs *flag.FlagSet) {
	fs.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis host")
	fs.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")

	fs.StringVar(&c.Backend, "backend", c.Backend,
		"Hardware backend (sim, gpio)")
	fs.StringVar(&c.GPIOChip, "gpio-chip", c.GPIOChip, "GPIO chip carrying the safety lines")
	fs.StringVar(&c.ModbusDevice, "modbus-device", c.ModbusDevice,
		"Serial device of the motor board bus")
	fs.IntVar(&c.ModbusBaud, "modbus-baud", c.ModbusBaud, "Baud rate of the motor board bus")

	fs.DurationVar(&c.DeviceTick, "device-tick", c.DeviceTick,
		"Device state machine period (PWM period)")
	fs.DurationVar(&c.SafetyTick, "safety-tick", c.SafetyTick,
		"Safety monitor period")
	fs.DurationVar(&c.ControlTick, "control-tick", c.ControlTick,
		"Cleaning orchestrator period")
	fs.DurationVar(&c.PublishTick, "publish-tick", c.PublishTick,
		"Interval between status publications")
	fs.DurationVar(&c.WatchdogTick, "watchdog-tick", c.WatchdogTick,
		"Interval between watchdog refreshes")

	fs.IntVar(&c.CheckRetries, "check-retries", c.CheckRetries,
		"Safety chain check attempts at startup")
	fs.DurationVar(&c.CheckTimeout, "check-timeout", c.CheckTimeout,
		"Upper bound for the safety chain check including the guided bumper test")

	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr,
		"Listen address of the diagnostics endpoint (empty disables it)")
	fs.StringVar(&c.Inhibitor, "inhibitor", c.Inhibitor,
		"Suspend inhibitor held while cleaning (none, logind, socket, redis)")
	fs.StringVar(&c.SocketPath, "socket-path", c.SocketPath,
		"Path of the power manager inhibitor socket")
	fs.StringVar(&c.ParamsFile, "params", c.ParamsFile,
		"YAML file with device parameters (defaults are used when empty)")

	fs.IntVar(&c.WaterLevel, "water-level", c.WaterLevel,
		"Water level used until the settings hash provides one (0-3)")
	fs.BoolVar(&c.DryRun, "dry-run", c.DryRun,
		"Run the water pump sequence without pumping")
}
