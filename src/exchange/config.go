package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/dps_lobby/src/api/nodes"
	"github.com/danmuck/dps_lobby/src/lobby"
)

// BarrierConfig tunes the datagram barrier exchange.
type BarrierConfig struct {
	RecvTimeout time.Duration `toml:"recv_timeout"` // bound on each receive within a round
	MaxRounds   int           `toml:"max_rounds"`   // rounds before giving up; 0 retries forever
}

// Config is everything a Session needs, loadable from a TOML file:
//
//	id = "001"
//	bind_host = "0.0.0.0"
//	log_capacity = 0
//
//	[lobby]
//	group_size = 4
//	timeout = "5m"
//
//	[mesh]
//	backoff = "1s"
//
//	[barrier]
//	recv_timeout = "1s"
//	max_rounds = 0
type Config struct {
	ID          string           `toml:"id"`           // participant id, numeric prefix required
	BindHost    string           `toml:"bind_host"`    // interface for the stream and datagram sockets
	Port        int              `toml:"port"`         // 0 picks a free port
	LogCapacity int              `toml:"log_capacity"` // trials kept for resends; 0 keeps all
	Lobby       lobby.Config     `toml:"lobby"`
	Mesh        nodes.MeshConfig `toml:"mesh"`
	Barrier     BarrierConfig    `toml:"barrier"`
}

func DefaultConfig(id string) Config {
	return Config{
		ID:          id,
		BindHost:    "0.0.0.0",
		Port:        0,
		LogCapacity: 0,
		Lobby:       lobby.DefaultConfig(),
		Mesh:        nodes.DefaultMeshConfig(),
		Barrier: BarrierConfig{
			RecvTimeout: time.Second,
			MaxRounds:   0,
		},
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig("")
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := nodes.ParseID(c.ID); err != nil {
		return err
	}
	if err := c.Lobby.Validate(); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Barrier.RecvTimeout <= 0 {
		return errors.New("barrier: recv_timeout must be positive")
	}
	if c.Barrier.MaxRounds < 0 {
		return errors.New("barrier: max_rounds must be >= 0")
	}
	return nil
}
