package bus

import (
	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
)

// Provide returns the configured event bus implementation. An empty
// NATS URL selects the in-memory bus, which is the desktop default.
func Provide(cfg config.EventsConfig, log *logger.Logger) (EventBus, error) {
	if cfg.NATSURL == "" {
		return NewMemoryEventBus(cfg.SubscriberBuf, log), nil
	}
	return NewNATSEventBus(cfg, log)
}
