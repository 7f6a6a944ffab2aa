package events

import (
	"encoding/json"
	"fmt"

	"github.com/ReesavGupta/peer-link/internal/config"
	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
)

type Publisher interface {
	Publish(event interface{})
	Check() error
	Close() error
}

// NewPublisher builds the configured publisher. With events disabled it
// returns a no-op publisher so callers never need a nil check.
func NewPublisher(cfg config.Events) Publisher {
	if !cfg.Enable {
		return NoopPublisher{}
	}

	switch cfg.Adapter {
	case "redis":
		c := config.Redis{}
		if err := mapstructure.Decode(cfg.Adapters[cfg.Adapter], &c); err != nil {
			log.Fatalf("failed to decode %s events configuration: %s", cfg.Adapter, err)
			return nil
		}
		return NewRedisPublisher(c, cfg.Channel)
	default:
		log.Fatalf("unknown events adapter '%s'", cfg.Adapter)
		return nil
	}
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(event interface{}) {}
func (NoopPublisher) Check() error              { return nil }
func (NoopPublisher) Close() error              { return nil }

var _ Publisher = NoopPublisher{}

func marshalEvent(event interface{}) ([]byte, error) {
	j, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return j, nil
}
