package config

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bardlex/poolportal/internal/validation"
	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
)

// Pool is the configuration of one coin's pool. It is immutable once loaded
// and reaches worker processes as JSON.
type Pool struct {
	Enabled    bool            `toml:"enabled" json:"enabled"`
	Coin       Coin            `toml:"coin" json:"coin"`
	Address    string          `toml:"address" json:"address"`
	Recipients []Recipient     `toml:"recipients" json:"recipients"`
	Daemons    []Daemon        `toml:"daemons" json:"daemons"`
	Ports      map[string]Port `toml:"ports" json:"ports"`
	Settings   Settings        `toml:"settings" json:"settings"`
}

// Coin identifies the chain a pool mines
type Coin struct {
	Name      string `toml:"name" json:"name"`
	Symbol    string `toml:"symbol" json:"symbol"`
	Algorithm string `toml:"algorithm" json:"algorithm"`
	// Network is one of mainnet, testnet, regtest, signet or simnet
	Network string `toml:"network" json:"network"`
}

// Recipient receives a fee share of every block reward
type Recipient struct {
	Address    string  `toml:"address" json:"address"`
	Percentage float64 `toml:"percentage" json:"percentage"`
}

// Daemon is one coin daemon endpoint
type Daemon struct {
	Host       string `toml:"host" json:"host"`
	Port       int    `toml:"port" json:"port"`
	User       string `toml:"user" json:"user"`
	Password   string `toml:"password" json:"password"`
	DisableTLS bool   `toml:"disable_tls" json:"disable_tls"`
	// ZMQ is the daemon's zmqpubhashblock endpoint, optional
	ZMQ string `toml:"zmq" json:"zmq"`
}

// Port is a stratum listener
type Port struct {
	Enabled    bool    `toml:"enabled" json:"enabled"`
	Difficulty float64 `toml:"difficulty" json:"difficulty"`
	Vardiff    Vardiff `toml:"vardiff" json:"vardiff"`
}

// Vardiff bounds the per-session difficulty retargeting on a port
type Vardiff struct {
	Enabled      bool          `toml:"enabled" json:"enabled"`
	Min          float64       `toml:"min" json:"min"`
	Max          float64       `toml:"max" json:"max"`
	TargetTime   time.Duration `toml:"target_time" json:"target_time"`
	RetargetTime time.Duration `toml:"retarget_time" json:"retarget_time"`
}

// Name returns the coin name the pool is keyed by
func (p *Pool) Name() string { return p.Coin.Name }

// ListenPorts returns the enabled port numbers in ascending order
func (p *Pool) ListenPorts() []int {
	ports := make([]int, 0, len(p.Ports))
	for key, port := range p.Ports {
		if !port.Enabled {
			continue
		}
		if n, err := strconv.Atoi(key); err == nil {
			ports = append(ports, n)
		}
	}
	sort.Ints(ports)
	return ports
}

// LoadPools reads every *.toml file in dir and returns the enabled pools keyed
// by coin name. Overlapping ports, unsupported algorithms and daemons without
// an RPC password are fatal configuration errors. Pools without daemons are dropped with an error log.
func LoadPools(dir string, portal *Portal, logger *log.Logger) (map[string]*Pool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_pools", "cannot read pool config directory").
			WithContext("dir", dir)
	}

	pools := make(map[string]*Pool)
	portOwners := make(map[int]string)

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		pool, err := decodePool(path, portal)
		if err != nil {
			return nil, err
		}
		if !pool.Enabled {
			continue
		}

		name := pool.Name()
		if name == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "load_pools", "coin name is required").
				WithContext("file", path)
		}
		if _, dup := pools[name]; dup {
			return nil, errors.Newf(errors.ErrorTypeConfig, "load_pools", "coin %q is configured twice", name).
				WithContext("file", path)
		}
		if !validation.Supported(pool.Coin.Algorithm) {
			return nil, errors.Newf(errors.ErrorTypeConfig, "load_pools",
				"cannot run a pool for unsupported algorithm %q", pool.Coin.Algorithm).
				WithContext("coin", name)
		}

		// rpcclient falls back to cookie auth without a password and no cookie path is configurable
		for i, d := range pool.Daemons {
			if d.Password == "" {
				return nil, errors.Newf(errors.ErrorTypeConfig, "load_pools",
					"daemon %d has no RPC password", i).
					WithContext("coin", name).
					WithContext("host", d.Host)
			}
		}

		for key := range pool.Ports {
			port, err := strconv.Atoi(key)
			if err != nil || port <= 0 || port > 65535 {
				return nil, errors.Newf(errors.ErrorTypeConfig, "load_pools", "invalid port %q", key).
					WithContext("coin", name)
			}
			if owner, taken := portOwners[port]; taken {
				return nil, errors.Newf(errors.ErrorTypeConfig, "load_pools",
					"overlapping configuration on port %d", port).
					WithContext("coin", name).
					WithContext("owner", owner)
			}
			portOwners[port] = name
		}

		pools[name] = pool
	}

	for name, pool := range pools {
		if len(pool.Daemons) == 0 {
			logger.Error("no daemons configured so a pool cannot be started for this coin", "coin", name)
			delete(pools, name)
		}
	}

	return pools, nil
}

// decodePool decodes one file and fills the settings it leaves out from the
// portal defaults.
func decodePool(path string, portal *Portal) (*Pool, error) {
	var pool Pool
	md, err := toml.DecodeFile(path, &pool)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_pools", "cannot decode pool config").
			WithContext("file", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Newf(errors.ErrorTypeConfig, "load_pools", "unknown keys: %s", strings.Join(keys, ", ")).
			WithContext("file", path)
	}

	if !md.IsDefined("settings", "banning") {
		pool.Settings.Banning = portal.Settings.Banning
	}
	if !md.IsDefined("settings", "connection_timeout") {
		pool.Settings.ConnectionTimeout = portal.Settings.ConnectionTimeout
	}
	if pool.Coin.Network == "" {
		pool.Coin.Network = "mainnet"
	}

	return &pool, nil
}
