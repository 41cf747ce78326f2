package push

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/logger"
)

// Notifier tracks registered devices and fans notifications out to them.
type Notifier struct {
	provider Provider
	devices  map[string]Device // device id -> device
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewNotifier creates a notifier. provider may be nil; notifications are
// then logged and dropped.
func NewNotifier(provider Provider, log *logger.Logger) *Notifier {
	return &Notifier{
		provider: provider,
		devices:  make(map[string]Device),
		logger:   log.WithFields(zap.String("component", "push")),
	}
}

// RegisterDevice stores or updates a device's push target. An empty token
// still registers the device for fingerprinting but receives nothing.
func (n *Notifier) RegisterDevice(deviceID, token, platform string) {
	n.mu.Lock()
	n.devices[deviceID] = Device{Token: token, Platform: platform}
	n.mu.Unlock()

	n.logger.Info("device registered",
		zap.String("device_id", deviceID),
		zap.String("platform", platform),
		zap.Bool("has_token", token != ""))
}

// Notify sends the notification to every registered device with a token.
func (n *Notifier) Notify(ctx context.Context, note Notification) {
	n.mu.RLock()
	devices := make([]Device, 0, len(n.devices))
	for _, d := range n.devices {
		if d.Token != "" {
			devices = append(devices, d)
		}
	}
	n.mu.RUnlock()

	if n.provider == nil || !n.provider.Available() || len(devices) == 0 {
		n.logger.Debug("push handoff dropped, no provider or devices",
			zap.String("event_type", note.EventType),
			zap.String("session_id", note.SessionID))
		return
	}

	for _, device := range devices {
		if err := n.provider.Send(ctx, device, note); err != nil {
			n.logger.Warn("push delivery failed",
				zap.String("platform", device.Platform),
				zap.Error(err))
		}
	}
}

// LogProvider writes notifications to the log instead of a transport. Used
// when no push backend is configured.
type LogProvider struct {
	logger *logger.Logger
}

// NewLogProvider creates the logging provider.
func NewLogProvider(log *logger.Logger) *LogProvider {
	return &LogProvider{logger: log.WithFields(zap.String("component", "push-log"))}
}

func (p *LogProvider) Available() bool {
	return true
}

func (p *LogProvider) Send(_ context.Context, device Device, n Notification) error {
	p.logger.Info("push notification",
		zap.String("event_type", n.EventType),
		zap.String("session_id", n.SessionID),
		zap.String("platform", device.Platform),
		zap.String("title", n.Title))
	return nil
}
