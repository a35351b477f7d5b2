// Package dialer builds session dialers for the configured transport kind.
package dialer

import (
	"fmt"
	"time"

	"pumpctl.org/internal/config"
	"pumpctl.org/internal/session"
	"pumpctl.org/internal/transport"
	"pumpctl.org/internal/transport/mqttbus"
	"pumpctl.org/internal/transport/natsbus"
	"pumpctl.org/internal/transport/redisbus"
)

// New returns a dialer for cfg.Transport. The memory kind needs the
// in-process broker every participant shares.
func New(cfg config.Config, broker *transport.Broker) (session.Dialer, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		if broker == nil {
			return nil, fmt.Errorf("%w: memory transport needs a broker", config.ErrInvalid)
		}
		return func(id string, onState func(transport.State)) transport.Transport {
			return broker.Dial(id, onState)
		}, nil
	case config.TransportMQTT:
		return func(id string, onState func(transport.State)) transport.Transport {
			return mqttbus.New(mqttbus.Config{
				URL:            cfg.MQTTURL,
				ClientID:       id,
				Username:       cfg.MQTTUsername,
				Password:       cfg.MQTTPassword,
				QoS:            byte(cfg.MQTTQoS),
				ConnectTimeout: 10 * time.Second,
			}, onState)
		}, nil
	case config.TransportNATS:
		return func(id string, onState func(transport.State)) transport.Transport {
			return natsbus.New(natsbus.Config{URL: cfg.NATSURL, Name: id}, onState)
		}, nil
	case config.TransportRedis:
		return func(id string, onState func(transport.State)) transport.Transport {
			return redisbus.New(redisbus.Config{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}, onState)
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Transport)
}
