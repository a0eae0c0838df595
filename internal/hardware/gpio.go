package hardware

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/warthog618/go-gpiocdev"
)

// LineConfig describes one GPIO line.
type LineConfig struct {
	Offset    int  `yaml:"offset"`
	ActiveLow bool `yaml:"active_low"`
	// FailSafe is the level reported when the line cannot be read.
	FailSafe bool `yaml:"fail_safe"`
}

// GPIOManager hands out GPIO lines of one chip as hardware signals
type GPIOManager struct {
	chip   *gpiocdev.Chip
	mu     sync.Mutex
	lines  map[string]*gpiocdev.Line
	logger *log.Logger
}

// NewGPIOManager opens the named GPIO chip
func NewGPIOManager(chipName string, logger *log.Logger) (*GPIOManager, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", chipName, err)
	}

	return &GPIOManager{
		chip:   chip,
		lines:  make(map[string]*gpiocdev.Line),
		logger: logger,
	}, nil
}

func (gm *GPIOManager) track(name string, line *gpiocdev.Line) {
	gm.mu.Lock()
	gm.lines[name] = line
	gm.mu.Unlock()
}

// Input requests a line as a digital input
func (gm *GPIOManager) Input(name string, cfg LineConfig) (DigitalInput, error) {
	line, err := gm.chip.RequestLine(cfg.Offset, gpiocdev.AsInput)
	if err != nil {
		return nil, fmt.Errorf("failed to request input %s (offset %d): %w", name, cfg.Offset, err)
	}
	gm.track(name, line)

	return &gpioInput{name: name, line: line, cfg: cfg, logger: gm.logger}, nil
}

// Output requests a line as a digital output, initially inactive
func (gm *GPIOManager) Output(name string, cfg LineConfig) (DigitalOutput, error) {
	initial := 0
	if cfg.ActiveLow {
		initial = 1
	}
	line, err := gm.chip.RequestLine(cfg.Offset, gpiocdev.AsOutput(initial))
	if err != nil {
		return nil, fmt.Errorf("failed to request output %s (offset %d): %w", name, cfg.Offset, err)
	}
	gm.track(name, line)

	return &gpioOutput{name: name, line: line, cfg: cfg, logger: gm.logger}, nil
}

// PulseCounter requests a line with rising edge detection and counts the
// edges in the kernel event handler
func (gm *GPIOManager) PulseCounter(name string, cfg LineConfig) (PulseCounter, error) {
	pc := &gpioPulseCounter{}
	line, err := gm.chip.RequestLine(cfg.Offset,
		gpiocdev.WithPullUp,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(pc.handle),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to request pulse input %s (offset %d): %w", name, cfg.Offset, err)
	}
	gm.track(name, line)

	return pc, nil
}

// Close releases all GPIO resources
func (gm *GPIOManager) Close() error {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	var lastErr error

	for name, line := range gm.lines {
		if err := line.Close(); err != nil {
			gm.logger.Printf("Failed to close GPIO line %s: %v", name, err)
			lastErr = err
		}
	}
	gm.lines = make(map[string]*gpiocdev.Line)

	if gm.chip != nil {
		if err := gm.chip.Close(); err != nil {
			gm.logger.Printf("Failed to close GPIO chip: %v", err)
			lastErr = err
		}
	}

	gm.logger.Printf("Closed GPIO manager")
	return lastErr
}

type gpioInput struct {
	name   string
	line   *gpiocdev.Line
	cfg    LineConfig
	logger *log.Logger
	failed atomic.Bool
}

func (i *gpioInput) Read() bool {
	v, err := i.line.Value()
	if err != nil {
		if !i.failed.Swap(true) {
			i.logger.Printf("Failed to read GPIO %s, reporting %v: %v", i.name, i.cfg.FailSafe, err)
		}
		return i.cfg.FailSafe
	}
	i.failed.Store(false)
	return (v != 0) != i.cfg.ActiveLow
}

type gpioOutput struct {
	name   string
	line   *gpiocdev.Line
	cfg    LineConfig
	logger *log.Logger
	state  atomic.Bool
	failed atomic.Bool
}

func (o *gpioOutput) write(active bool) {
	value := 0
	if active != o.cfg.ActiveLow {
		value = 1
	}
	if err := o.line.SetValue(value); err != nil {
		if !o.failed.Swap(true) {
			o.logger.Printf("Failed to set GPIO %s: %v", o.name, err)
		}
		return
	}
	o.failed.Store(false)
	o.state.Store(active)
}

func (o *gpioOutput) Set()       { o.write(true) }
func (o *gpioOutput) Reset()     { o.write(false) }
func (o *gpioOutput) Read() bool { return o.state.Load() }

type gpioPulseCounter struct {
	enabled atomic.Bool
	count   atomic.Int64
}

func (c *gpioPulseCounter) handle(gpiocdev.LineEvent) {
	if c.enabled.Load() {
		c.count.Add(1)
	}
}

func (c *gpioPulseCounter) Enable(enabled bool) {
	c.enabled.Store(enabled)
	if !enabled {
		c.count.Store(0)
	}
}

func (c *gpioPulseCounter) Take() int { return int(c.count.Swap(0)) }
