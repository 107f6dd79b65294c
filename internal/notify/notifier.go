package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/service"
)

// forwarded lists the event types sent to the broker. Service lifecycle
// events stay local.
var forwarded = map[service.EventType]bool{
	service.EventTypeSessionOpened:    true,
	service.EventTypeSessionClosed:    true,
	service.EventTypeSessionRefused:   true,
	service.EventTypeProximityClose:   true,
	service.EventTypeProximityFar:     true,
	service.EventTypeSourceFailed:     true,
	service.EventTypeRecordingsPruned: true,
}

// Message is the JSON payload of a notification.
type Message struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Notifier subscribes to the event bus and republishes recorder events
// under <prefix>/events/<category>/<name>.
type Notifier struct {
	*service.ServiceBase

	publisher Publisher
	prefix    string

	sub       <-chan service.Event
	wg        sync.WaitGroup
	published atomic.Int64
	failed    atomic.Int64
}

// NewNotifier creates the notification service.
func NewNotifier(pub Publisher, topicPrefix string, log *logger.Logger) *Notifier {
	return &Notifier{
		ServiceBase: service.NewServiceBase("notify", log),
		publisher:   pub,
		prefix:      strings.TrimRight(topicPrefix, "/"),
	}
}

// Topic returns the topic an event type is published to.
func (n *Notifier) Topic(t service.EventType) string {
	return fmt.Sprintf("%s/events/%s", n.prefix, strings.ReplaceAll(string(t), ".", "/"))
}

// Start subscribes to the event bus. Without a bus the notifier is idle.
func (n *Notifier) Start(ctx context.Context) error {
	n.GetStatus().SetStatus(service.StatusStarting)
	bus := n.GetEventBus()
	if bus == nil {
		n.LogWarn("No event bus attached, notifications disabled")
		n.GetStatus().SetStatus(service.StatusRunning)
		return nil
	}

	n.sub = bus.SubscribeAll()
	n.wg.Add(1)
	go n.forward(n.sub)

	n.GetStatus().SetStatus(service.StatusRunning)
	n.LogInfo("Notifier started", "prefix", n.prefix)
	return nil
}

// Stop unsubscribes, waits for the forwarder and closes the publisher.
func (n *Notifier) Stop(ctx context.Context) error {
	n.GetStatus().SetStatus(service.StatusStopping)
	if n.sub != nil {
		n.GetEventBus().Unsubscribe("", n.sub)
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	n.publisher.Close()
	n.GetStatus().SetStatus(service.StatusStopped)
	n.LogInfo("Notifier stopped", "published", n.published.Load(), "failed", n.failed.Load())
	return err
}

// Stats returns the number of published and failed notifications.
func (n *Notifier) Stats() (published, failed int64) {
	return n.published.Load(), n.failed.Load()
}

func (n *Notifier) forward(events <-chan service.Event) {
	defer n.wg.Done()
	for ev := range events {
		if !forwarded[ev.Type] {
			continue
		}
		if err := n.send(ev); err != nil {
			if c := n.failed.Add(1); c == 1 || c%50 == 0 {
				n.LogWarn("Failed to publish notification", "type", string(ev.Type), "failures", c, "error", err)
			}
			continue
		}
		n.published.Add(1)
	}
}

func (n *Notifier) send(ev service.Event) error {
	payload, err := json.Marshal(Message{
		Type:      string(ev.Type),
		Source:    ev.Source,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return n.publisher.Publish(ctx, n.Topic(ev.Type), payload)
}
