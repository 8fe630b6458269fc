package config

import (
	"errors"
	"fmt"
	"io/fs"
	"io/ioutil"
	"time"

	"github.com/banditelect/leaderelect/common"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Ports struct {
	ReplicaBasePort int `yaml:"replica_base_port"`
	ClientPort      int `yaml:"client_port"`
}

// Bandit holds the selection policy hyperparameters.
type Bandit struct {
	Algorithm string  `yaml:"algorithm"`
	Epsilon   float64 `yaml:"epsilon"`
	Decay     float64 `yaml:"decay"`
	Alpha     float64 `yaml:"alpha"`
	Tradeoff  float64 `yaml:"tradeoff"`
	SlateSize int     `yaml:"slate_size"`
}

// Estimates is the normal prior every failure estimate is drawn from.
type Estimates struct {
	Mean float64 `yaml:"mean"`
	Std  float64 `yaml:"std"`
}

// Timing values are in milliseconds.
type Timing struct {
	PingInterval      int `yaml:"ping_interval"`
	PingTimeout       int `yaml:"ping_timeout"`
	BroadcastInterval int `yaml:"broadcast_interval"`
	ElectionTimeout   int `yaml:"election_timeout"`
	ClientGrace       int `yaml:"client_grace"`
}

type Client struct {
	NumRequests int `yaml:"num_requests"`
	MaxRetries  int `yaml:"max_retries"`
}

// Environment drives the failure schedule of a simulation.
type Environment struct {
	FailureInterval    int     `yaml:"failure_interval"` // In milliseconds
	MaxFailed          int     `yaml:"max_failed"`
	FailureProbability float64 `yaml:"failure_probability"`
}

// File is the on-disk YAML layout.
type File struct {
	NumNodes      int         `yaml:"num_nodes"`
	Host          string      `yaml:"host"`
	Port          Ports       `yaml:"port"`
	InitialLeader int         `yaml:"initial_leader"`
	LedgerWindow  int         `yaml:"ledger_window"`
	Seed          int64       `yaml:"random_seed"`
	RecorderPath  string      `yaml:"recorder_path"`
	Bandit        Bandit      `yaml:"mab"`
	Estimates     Estimates   `yaml:"failure_estimates"`
	Timing        Timing      `yaml:"timing"`
	Client        Client      `yaml:"client"`
	Environment   Environment `yaml:"environment"`
}

// Default returns a ready-to-run four node configuration on localhost.
func Default() File {
	return File{
		NumNodes:      4,
		Host:          "127.0.0.1",
		Port:          Ports{ReplicaBasePort: 12345, ClientPort: 12344},
		InitialLeader: 0,
		LedgerWindow:  1024,
		Seed:          1,
		Bandit: Bandit{
			Algorithm: string(common.EpsilonGreedy),
			Epsilon:   0.1,
			Decay:     0.99,
			Alpha:     0.5,
			Tradeoff:  1,
		},
		Estimates: Estimates{Mean: 0.1, Std: 0.01},
		Timing: Timing{
			PingInterval:      200,
			PingTimeout:       100,
			BroadcastInterval: 10,
			ElectionTimeout:   1000,
			ClientGrace:       500,
		},
		Client: Client{NumRequests: 100, MaxRetries: 5},
		Environment: Environment{
			FailureInterval:    2000,
			MaxFailed:          1,
			FailureProbability: 0.2,
		},
	}
}

// Load reads path on top of Default, so a file only needs the keys it changes.
func Load(path string) (File, error) {
	cfg := Default()
	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.UnmarshalStrict(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Write marshals cfg to path.
func (cfg File) Write(path string) error {
	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, bytes, fs.ModePerm)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate reports every problem at once.
func (cfg File) Validate() error {
	var err error
	if cfg.NumNodes < 1 {
		err = multierr.Append(err, invalid("num_nodes must be positive, got %d", cfg.NumNodes))
	}
	if cfg.Host == "" {
		err = multierr.Append(err, invalid("host is empty"))
	}
	if cfg.Port.ReplicaBasePort <= 0 || cfg.Port.ReplicaBasePort+cfg.NumNodes > 65536 {
		err = multierr.Append(err, invalid("replica_base_port %d cannot hold %d nodes", cfg.Port.ReplicaBasePort, cfg.NumNodes))
	}
	if cfg.Port.ClientPort <= 0 || cfg.Port.ClientPort > 65535 {
		err = multierr.Append(err, invalid("client_port %d out of range", cfg.Port.ClientPort))
	} else if cfg.Port.ClientPort >= cfg.Port.ReplicaBasePort && cfg.Port.ClientPort < cfg.Port.ReplicaBasePort+cfg.NumNodes {
		err = multierr.Append(err, invalid("client_port %d collides with a replica port", cfg.Port.ClientPort))
	}
	if cfg.InitialLeader < 0 || cfg.InitialLeader >= cfg.NumNodes {
		err = multierr.Append(err, invalid("initial_leader %d outside cluster of %d", cfg.InitialLeader, cfg.NumNodes))
	}
	if !common.Algorithm(cfg.Bandit.Algorithm).Valid() {
		err = multierr.Append(err, invalid("unknown algorithm %q", cfg.Bandit.Algorithm))
	}
	if cfg.Bandit.Epsilon < 0 || cfg.Bandit.Epsilon > 1 {
		err = multierr.Append(err, invalid("epsilon %v outside [0,1]", cfg.Bandit.Epsilon))
	}
	if cfg.Bandit.Decay < 0 || cfg.Bandit.Decay > 1 {
		err = multierr.Append(err, invalid("decay %v outside [0,1]", cfg.Bandit.Decay))
	}
	if cfg.Bandit.Alpha < 0 || cfg.Bandit.Tradeoff < 0 || cfg.Bandit.SlateSize < 0 {
		err = multierr.Append(err, invalid("alpha, tradeoff and slate_size must not be negative"))
	}
	if cfg.Estimates.Std < 0 {
		err = multierr.Append(err, invalid("failure_estimates.std %v is negative", cfg.Estimates.Std))
	}
	if cfg.Timing.PingTimeout <= 0 || cfg.Timing.BroadcastInterval <= 0 || cfg.Timing.ClientGrace <= 0 || cfg.Timing.ElectionTimeout <= 0 {
		err = multierr.Append(err, invalid("ping_timeout, broadcast_interval, election_timeout and client_grace must be positive"))
	}
	if cfg.Timing.PingInterval < 0 {
		err = multierr.Append(err, invalid("ping_interval %d is negative", cfg.Timing.PingInterval))
	}
	if cfg.Client.NumRequests < 0 || cfg.Client.MaxRetries < 0 {
		err = multierr.Append(err, invalid("num_requests and max_retries must not be negative"))
	}
	if cfg.Environment.MaxFailed < 0 || (cfg.NumNodes > 0 && cfg.Environment.MaxFailed >= cfg.NumNodes) {
		err = multierr.Append(err, invalid("max_failed %d must leave a live node", cfg.Environment.MaxFailed))
	}
	if p := cfg.Environment.FailureProbability; p < 0 || p > 1 {
		err = multierr.Append(err, invalid("failure_probability %v outside [0,1]", p))
	}
	return err
}

func millis(ms int) time.Duration {
	return time.Millisecond * time.Duration(ms)
}

// FailureInterval is the pause between two failure rounds of the environment.
func (cfg File) FailureInterval() time.Duration {
	return millis(cfg.Environment.FailureInterval)
}

// ClusterConfig derives the typed parameters: node i listens on
// host:replica_base_port+i and the client on host:client_port.
func (cfg File) ClusterConfig() common.ClusterConfig {
	var servers []common.Server
	for i := 0; i < cfg.NumNodes; i++ {
		servers = append(servers, common.Server{
			ID:         i,
			NetAddress: common.ServerAddress(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port.ReplicaBasePort+i)),
		})
	}
	return common.ClusterConfig{
		Cluster:           servers,
		ClientAddress:     common.ServerAddress(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port.ClientPort)),
		Algorithm:         common.Algorithm(cfg.Bandit.Algorithm),
		Epsilon:           cfg.Bandit.Epsilon,
		Decay:             cfg.Bandit.Decay,
		Alpha:             cfg.Bandit.Alpha,
		Tradeoff:          cfg.Bandit.Tradeoff,
		EstimateMean:      cfg.Estimates.Mean,
		EstimateStd:       cfg.Estimates.Std,
		PingInterval:      millis(cfg.Timing.PingInterval),
		PingTimeout:       millis(cfg.Timing.PingTimeout),
		BroadcastInterval: millis(cfg.Timing.BroadcastInterval),
		ElectionTimeout:   millis(cfg.Timing.ElectionTimeout),
		SlateSize:         cfg.Bandit.SlateSize,
		LedgerWindow:      cfg.LedgerWindow,
		InitialLeader:     cfg.InitialLeader,
		ClientGrace:       millis(cfg.Timing.ClientGrace),
		NumRequests:       cfg.Client.NumRequests,
		MaxRetries:        cfg.Client.MaxRetries,
	}
}
