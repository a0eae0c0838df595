package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/librescoot/cleaning-service/internal/bus"
	"github.com/librescoot/cleaning-service/internal/cleaning"
	"github.com/librescoot/cleaning-service/internal/safety"
)

func newClient() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: opts.Redis})
}

// push queues a request on one of the service's request lists.
func push(list, request string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client := newClient()
	defer client.Close()

	if err := client.LPush(ctx, list, request).Err(); err != nil {
		return fmt.Errorf("failed to send %s: %w", request, err)
	}
	fmt.Println(successStyle.Render("Sent " + request))
	return nil
}

func pushCommand(cmd string) error {
	if _, _, err := cleaning.ParseCommand(cmd); err != nil {
		return err
	}
	return push(bus.RequestList, cmd)
}

type StartCommand struct{}

func (c *StartCommand) Execute(args []string) error { return pushCommand("start") }

type StopCommand struct{}

func (c *StopCommand) Execute(args []string) error { return pushCommand("stop") }

type ClearErrorCommand struct{}

func (c *ClearErrorCommand) Execute(args []string) error { return pushCommand("clear-error") }

type DeviceCommand struct {
	Action string   `long:"action" short:"a" required:"true" choice:"start" choice:"stop" choice:"up" choice:"down" choice:"reset-max-current" description:"What to do"`
	Select []string `long:"select" short:"s" required:"true" description:"Device group: brush, suction or water-pump (repeatable)"`
}

var deviceActions = map[string]string{
	"start":             "start-device",
	"stop":              "stop-device",
	"up":                "move-up",
	"down":              "move-down",
	"reset-max-current": "reset-max-current",
}

// request builds the textual request, e.g. "move-up:brush,suction".
func (c *DeviceCommand) request() string {
	return deviceActions[c.Action] + ":" + strings.Join(c.Select, ",")
}

func (c *DeviceCommand) Execute(args []string) error {
	return pushCommand(c.request())
}

type SafetyCommand struct {
	Args struct {
		Request string `positional-arg-name:"request" description:"enter-recovery, leave-recovery, clear-errors, simulate-obstacle or no-bumper-test"`
	} `positional-args:"yes" required:"yes"`
}

func (c *SafetyCommand) Execute(args []string) error {
	if _, err := safety.ParseRequest(c.Args.Request); err != nil {
		return err
	}
	return push(bus.SafetyRequestList, c.Args.Request)
}
