package bus

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StatusHash is both the status hash key and its notification channel.
	StatusHash = "cleaning-unit"

	RequestList       = "scooter:cleaning"
	SafetyRequestList = "scooter:cleaning-safety"
)

// Commander executes textual requests.
type Commander interface {
	Command(cmd string) error
	SafetyCommand(cmd string) error
}

// RedisBridge publishes the exchange snapshot to Redis and feeds the
// cleaning request list to a Commander.
type RedisBridge struct {
	redis  *redis.Client
	ex     *Exchange
	cmd    Commander
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc

	last map[string]string
}

func NewRedisBridge(ctx context.Context, redisClient *redis.Client, ex *Exchange, cmd Commander, logger *log.Logger) *RedisBridge {
	bridgeCtx, cancel := context.WithCancel(ctx)
	return &RedisBridge{
		redis:  redisClient,
		ex:     ex,
		cmd:    cmd,
		logger: logger,
		ctx:    bridgeCtx,
		cancel: cancel,
	}
}

// Start begins consuming the request list.
func (rb *RedisBridge) Start() error {
	go rb.listen(RequestList, rb.cmd.Command)
	return nil
}

func (rb *RedisBridge) Stop() {
	rb.cancel()
}

func (rb *RedisBridge) listen(list string, handle func(string) error) {
	for {
		select {
		case <-rb.ctx.Done():
			return
		default:
			result, err := rb.redis.BRPop(rb.ctx, time.Second, list).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if strings.Contains(err.Error(), "context canceled") {
					return
				}
				rb.logger.Printf("Error reading from %s: %v", list, err)
				time.Sleep(time.Second)
				continue
			}

			if len(result) != 2 {
				continue
			}

			rb.dispatch(list, result[1], handle)
		}
	}
}

func (rb *RedisBridge) dispatch(list, command string, handle func(string) error) {
	rb.logger.Printf("Received %s command: %s", list, command)
	if err := handle(command); err != nil {
		rb.logger.Printf("Failed to execute %s command %s: %v", list, command, err)
	}
}

// Publish writes the changed snapshot fields to the status hash and
// announces each changed field on the channel. Debug counters are
// written but not announced.
func (rb *RedisBridge) Publish() {
	fields := rb.ex.Snapshot.Read().Fields()
	changed := changedFields(rb.last, fields)
	if len(changed) == 0 {
		return
	}

	pipe := rb.redis.Pipeline()
	values := make([]any, 0, 2*len(changed))
	for _, k := range changed {
		values = append(values, k, fields[k])
	}
	pipe.HSet(rb.ctx, StatusHash, values...)
	for _, k := range changed {
		if !strings.HasPrefix(k, "debug:") {
			pipe.Publish(rb.ctx, StatusHash, k)
		}
	}
	if _, err := pipe.Exec(rb.ctx); err != nil {
		rb.logger.Printf("Warning: Failed to publish cleaning unit state to Redis: %v", err)
		return
	}
	rb.last = fields
}

// changedFields returns the sorted keys of next whose value differs
// from prev.
func changedFields(prev, next map[string]string) []string {
	var keys []string
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
