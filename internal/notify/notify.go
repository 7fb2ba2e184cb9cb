// Package notify forwards job failures and agent disconnects to chat and
// push services through Shoutrrr.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"go.uber.org/zap"

	"instadeploy/internal/events"
)

// Sender abstracts message dispatch so the notifier can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Options configures a Notifier.
type Options struct {
	URLs []string
	// Cooldown is the minimum gap between two alerts of the same type for
	// the same agent.
	Cooldown time.Duration
	Sender   Sender
	Logger   *zap.Logger
}

// Notifier subscribes to the event bus and sends alerts from its own
// goroutine, so a slow service never blocks a publisher.
type Notifier struct {
	urls     []string
	cooldown time.Duration
	sender   Sender
	logger   *zap.Logger
	now      func() time.Time

	// cooldowns tracks the last alert time per (event type, hostname).
	mu        sync.Mutex
	cooldowns map[string]time.Time

	ch     chan events.Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a notifier. It does nothing until Start.
func New(opts Options) *Notifier {
	if opts.Sender == nil {
		opts.Sender = ShoutrrrSender{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Notifier{
		urls:      opts.URLs,
		cooldown:  opts.Cooldown,
		sender:    opts.Sender,
		logger:    opts.Logger.Named("notify"),
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
		ch:        make(chan events.Event, 256),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to failure events on bus and begins sending.
func (n *Notifier) Start(bus *events.Bus) {
	if len(n.urls) == 0 {
		n.logger.Info("no notification services configured")
		return
	}

	bus.Subscribe(func(e events.Event) {
		select {
		case n.ch <- e:
		default:
			n.logger.Warn("event queue full, dropping event", zap.String("type", string(e.Type)))
		}
	}, events.JobFailed, events.AgentOffline)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case e := <-n.ch:
				n.handle(e)
			case <-n.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-n.ch:
						n.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop drains queued events and waits for the sender goroutine.
func (n *Notifier) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

func (n *Notifier) handle(e events.Event) {
	if !n.allowed(e) {
		return
	}
	msg := formatMessage(e)
	for _, url := range n.urls {
		if err := n.sender.Send(url, msg); err != nil {
			n.logger.Warn("send failed", zap.String("type", string(e.Type)), zap.Error(err))
		}
	}
}

// allowed enforces the per-agent cooldown.
func (n *Notifier) allowed(e events.Event) bool {
	if n.cooldown <= 0 {
		return true
	}
	key := fmt.Sprintf("%s:%s", e.Type, e.Hostname)
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.cooldowns[key]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.cooldowns[key] = now
	return true
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	severity := e.Severity.String()
	if e.Hostname != "" {
		return fmt.Sprintf("[%s] [%s] %s", severity, e.Hostname, e.Message)
	}
	return fmt.Sprintf("[%s] %s", severity, e.Message)
}
