package bus

import (
	"fmt"
	"log"
	"strconv"
	"sync"

	redis_ipc "github.com/rescoot/redis-ipc"
)

const (
	SettingsHash      = "settings"
	WaterLevelSetting = "cleaning.water-level"
	DryRunSetting     = "cleaning.dry-run"

	faultField = "fault"
)

type hashReader interface {
	HGet(key, field string) (string, error)
}

// IPC carries the settings subscription, the safety request list and
// fault announcements over redis-ipc.
type IPC struct {
	client   *redis_ipc.Client
	settings hashReader
	ex       *Exchange
	cmd      Commander
	logger   *log.Logger

	mu        sync.Mutex
	lastFault string
}

func NewIPC(client *redis_ipc.Client, ex *Exchange, cmd Commander, logger *log.Logger) *IPC {
	return &IPC{
		client:   client,
		settings: client,
		ex:       ex,
		cmd:      cmd,
		logger:   logger,
	}
}

// Start subscribes to the settings hash, loads the current settings and
// starts handling safety requests.
func (i *IPC) Start() error {
	settings := i.client.Subscribe(SettingsHash)
	if err := settings.Handle(WaterLevelSetting, i.onWaterLevel); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", WaterLevelSetting, err)
	}
	if err := settings.Handle(DryRunSetting, i.onDryRun); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", DryRunSetting, err)
	}

	i.loadSettings()

	i.client.HandleRequests(SafetyRequestList, i.onSafetyRequest)
	return nil
}

func (i *IPC) loadSettings() {
	if err := i.onWaterLevel(nil); err != nil {
		i.logger.Printf("Using default water level %d: %v", i.ex.WaterLevel.Read(), err)
	}
	if err := i.onDryRun(nil); err != nil {
		i.logger.Printf("Using default dry-run %v: %v", i.ex.DryRun.Read(), err)
	}
}

func (i *IPC) onWaterLevel([]byte) error {
	value, err := i.settings.HGet(SettingsHash, WaterLevelSetting)
	if err != nil {
		return fmt.Errorf("failed to get water level: %w", err)
	}
	level, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("failed to parse water level %q: %w", value, err)
	}
	if level < 0 || level > 3 {
		return fmt.Errorf("water level %d out of range", level)
	}
	if level != i.ex.WaterLevel.Read() {
		i.logger.Printf("Water level set to %d", level)
	}
	i.ex.WaterLevel.Write(level)
	return nil
}

func (i *IPC) onDryRun([]byte) error {
	value, err := i.settings.HGet(SettingsHash, DryRunSetting)
	if err != nil {
		return fmt.Errorf("failed to get dry-run setting: %w", err)
	}
	dry, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("failed to parse dry-run setting %q: %w", value, err)
	}
	if dry != i.ex.DryRun.Read() {
		i.logger.Printf("Dry run set to %v", dry)
	}
	i.ex.DryRun.Write(dry)
	return nil
}

func (i *IPC) onSafetyRequest(data []byte) error {
	command := string(data)
	i.logger.Printf("Received safety command: %s", command)
	if err := i.cmd.SafetyCommand(command); err != nil {
		return fmt.Errorf("failed to execute safety command %s: %w", command, err)
	}
	return nil
}

// PublishFault announces a fault description on the status hash when it
// differs from the last one. An empty description clears the fault.
func (i *IPC) PublishFault(fault string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if fault == i.lastFault {
		return
	}

	tx := i.client.NewTxGroup("cleaning-fault")
	if fault == "" {
		tx.Add("HDEL", StatusHash, faultField)
	} else {
		tx.Add("HSET", StatusHash, faultField, fault)
	}
	tx.Add("PUBLISH", StatusHash, faultField)

	if _, err := tx.Exec(); err != nil {
		i.logger.Printf("Failed to publish fault: %v", err)
		return
	}
	if fault != "" {
		i.logger.Printf("Fault: %s", fault)
	}
	i.lastFault = fault
}
