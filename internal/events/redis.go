package events

import (
	"time"

	"github.com/ReesavGupta/peer-link/internal/config"
	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"
)

type RedisPublisher struct {
	channel string
	pool    *redis.Pool
}

var _ Publisher = (*RedisPublisher)(nil)

func NewRedisPublisher(cfg config.Redis, channel string) *RedisPublisher {
	return &RedisPublisher{
		channel: channel,
		pool: &redis.Pool{
			MaxIdle:     2,
			IdleTimeout: time.Minute,
			Dial: func() (redis.Conn, error) {
				return redis.Dial(cfg.Network, cfg.Address,
					redis.DialWriteTimeout(10*time.Second),
					redis.DialPassword(cfg.Password))
			},
		},
	}
}

func (p *RedisPublisher) Publish(event interface{}) {
	j, err := marshalEvent(event)
	if err != nil {
		log.Errorf("failed to publish event: %s", err)
		return
	}

	conn := p.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("PUBLISH", p.channel, j); err != nil {
		log.Errorf("failed to publish event to redis: %s", err)
	}
}

func (p *RedisPublisher) Check() error {
	conn := p.pool.Get()
	defer conn.Close()

	_, err := conn.Do("PING")
	return err
}

func (p *RedisPublisher) Close() error {
	return p.pool.Close()
}
