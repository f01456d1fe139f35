package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-httpbridge/broker"
)

// connectionReporter is implemented by transports that track their connection
type connectionReporter interface {
	IsConnected() bool
}

// BrokerChecker pings the broker
type BrokerChecker struct {
	broker broker.Broker
	name   string
}

// NewBrokerChecker creates a connectivity checker named after the broker kind
func NewBrokerChecker(b broker.Broker, kind string) *BrokerChecker {
	return &BrokerChecker{broker: b, name: "broker_" + kind}
}

func (c *BrokerChecker) Name() string {
	return c.name
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if cr, ok := c.broker.(connectionReporter); ok {
		result.Details["connected"] = cr.IsConnected()
	}

	if err := c.broker.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Broker is unreachable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Broker is reachable"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// TopicChecker verifies that a topic exists
type TopicChecker struct {
	broker broker.Broker
	topic  string
}

// NewTopicChecker creates a topic existence checker
func NewTopicChecker(b broker.Broker, topic string) *TopicChecker {
	return &TopicChecker{broker: b, topic: topic}
}

func (c *TopicChecker) Name() string {
	return fmt.Sprintf("topic_%s", c.topic)
}

func (c *TopicChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"topic": c.topic},
	}

	exists, err := c.broker.TopicExists(ctx, c.topic)
	result.Duration = time.Since(start)
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Topic %s could not be inspected", c.topic)
		result.Error = err.Error()
	case !exists:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Topic %s does not exist", c.topic)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Topic %s exists", c.topic)
	}
	return result
}

// SubscriptionSource exposes the process subscription handle
type SubscriptionSource interface {
	SubscriptionName() string
	Subscription() (*broker.Subscription, bool)
}

// SubscriptionChecker reports the state of the process subscription.
// A subscription that is not yet provisioned or currently closed is degraded,
// since the next request provisions or reopens it.
type SubscriptionChecker struct {
	source SubscriptionSource
}

// NewSubscriptionChecker creates a subscription state checker
func NewSubscriptionChecker(source SubscriptionSource) *SubscriptionChecker {
	return &SubscriptionChecker{source: source}
}

func (c *SubscriptionChecker) Name() string {
	return "subscription"
}

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"subscription": c.source.SubscriptionName()},
	}

	sub, ok := c.source.Subscription()
	switch {
	case !ok:
		result.Status = StatusDegraded
		result.Message = "Subscription not provisioned yet"
	case !sub.IsOpen():
		result.Status = StatusDegraded
		result.Message = "Subscription stream is closed"
	default:
		result.Status = StatusHealthy
		result.Message = "Subscription stream is open"
		result.Details["backlog"] = sub.BacklogSize()
		result.Details["message_listeners"] = sub.ListenerCount(broker.EventMessage)
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine growth, which usually means leaked waits
type RuntimeChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewRuntimeChecker creates a goroutine count checker
func NewRuntimeChecker(warningThreshold, criticalThreshold int) *RuntimeChecker {
	return &RuntimeChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
