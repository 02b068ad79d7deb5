package collective

import (
	"fmt"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/config"
)

// Identity is a process's place in a distributed job, as exported by the
// usual launchers.
type Identity struct {
	Rank      int    `env:"RANK" envDefault:"0"`
	WorldSize int    `env:"WORLD_SIZE" envDefault:"1"`
	LocalRank int    `env:"LOCAL_RANK" envDefault:"0"`
	Session   string `env:"CYCLING_SESSION"`
}

// IdentityFromEnv reads RANK, WORLD_SIZE, LOCAL_RANK and CYCLING_SESSION.
func IdentityFromEnv() (Identity, error) {
	var id Identity
	if err := config.ParseEnv(&id); err != nil {
		return Identity{}, err
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Validate checks that Rank lies in [0, WorldSize).
func (id Identity) Validate() error {
	if id.WorldSize < 1 {
		return fmt.Errorf("world size must be >= 1, got %d", id.WorldSize)
	}
	if id.Rank < 0 || id.Rank >= id.WorldSize {
		return fmt.Errorf("rank %d out of range for world size %d", id.Rank, id.WorldSize)
	}
	return nil
}
