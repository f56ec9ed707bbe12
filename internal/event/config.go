package event

import (
	"fmt"
	"time"
)

const (
	DriverNats  = "nats"
	DriverLocal = "local"
)

type Config struct {
	Driver        string        `yaml:"driver" env:"BUS_DRIVER" env-default:"nats" validate:"oneof=nats local"`
	URL           string        `yaml:"url" env:"BUS_URL" env-default:"nats://127.0.0.1:4222"`
	ClientName    string        `yaml:"client_name" env:"BUS_CLIENT_NAME" env-default:"darklight"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"BUS_RECONNECT_WAIT" env-default:"2s"`
}

// New constructs the Bus implementation selected by config.Driver.
func New(config Config) (Bus, error) {
	switch config.Driver {
	case DriverNats, "":
		return NewNatsBus(config)
	case DriverLocal:
		log.Warnf("Using in-process event bus. Events will not leave this process\n")
		return NewLocalBus(), nil
	}

	return nil, fmt.Errorf("%w: unknown bus driver %q", ErrBus, config.Driver)
}
