package lobby

import (
	"errors"
	"time"
)

// Config controls how long and how loudly a participant searches for its group.
type Config struct {
	GroupSize        int           `toml:"group_size"`        // number of participants expected, self included
	Timeout          time.Duration `toml:"timeout"`           // give up and keep the partial group after this long
	AnnounceInterval time.Duration `toml:"announce_interval"` // pause between self-announcements
	Linger           time.Duration `toml:"linger"`            // keep announcing this long after the group is complete
	MulticastAddr    string        `toml:"multicast_addr"`    // group address of the broadcast channel
}

func DefaultConfig() Config {
	return Config{
		GroupSize:        2,
		Timeout:          300 * time.Second,
		AnnounceInterval: 200 * time.Millisecond,
		Linger:           2 * time.Second,
		MulticastAddr:    DefaultMulticastAddr,
	}
}

func (c Config) Validate() error {
	if c.GroupSize < 1 {
		return errors.New("lobby: group_size must be >= 1")
	}
	if c.Timeout <= 0 {
		return errors.New("lobby: timeout must be positive")
	}
	if c.AnnounceInterval <= 0 {
		return errors.New("lobby: announce_interval must be positive")
	}
	return nil
}
