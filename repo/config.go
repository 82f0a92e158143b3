package repo

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

type Config struct {
	RepoRoot   string     `mapstructure:"-" toml:"-"`
	HTTP       HTTP       `mapstructure:"http" toml:"http"`
	Log        Log        `mapstructure:"log" toml:"log"`
	Database   Database   `mapstructure:"database" toml:"database"`
	Chain      Chain      `mapstructure:"chain" toml:"chain"`
	Reviewer   Reviewer   `mapstructure:"reviewer" toml:"reviewer"`
	Ledger     Ledger     `mapstructure:"ledger" toml:"ledger"`
	Webhook    Webhook    `mapstructure:"webhook" toml:"webhook"`
	RateLimit  RateLimit  `mapstructure:"rate_limit" toml:"rate_limit"`
	Submission Submission `mapstructure:"submission" toml:"submission"`
	Tasks      Tasks      `mapstructure:"tasks" toml:"tasks"`
	Watcher    Watcher    `mapstructure:"watcher" toml:"watcher"`
	Sweeper    Sweeper    `mapstructure:"sweeper" toml:"sweeper"`
	NATS       NATS       `mapstructure:"nats" toml:"nats"`
}

type HTTP struct {
	ListenAddr      string        `mapstructure:"listen_addr" toml:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
}

type Log struct {
	Level        string        `mapstructure:"level" toml:"level"`
	Filename     string        `mapstructure:"filename" toml:"filename"`
	ReportCaller bool          `mapstructure:"report_caller" toml:"report_caller"`
	MaxAge       time.Duration `mapstructure:"max_age" toml:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time" toml:"rotation_time"`
}

type Database struct {
	// sqlite or postgres
	Driver string `mapstructure:"driver" toml:"driver"`
	// DSN is only used by postgres
	DSN string `mapstructure:"dsn" toml:"dsn"`
	// DataDir holds the sqlite file, relative to the repo root
	DataDir string `mapstructure:"data_dir" toml:"data_dir"`
}

type Chain struct {
	DialURL         string        `mapstructure:"dial_url" toml:"dial_url"`
	ContractAddress string        `mapstructure:"contract_address" toml:"contract_address"`
	TokenAddress    string        `mapstructure:"token_address" toml:"token_address"`
	PrivateKey      string        `mapstructure:"private_key" toml:"private_key"`
	ChainID         uint64        `mapstructure:"chain_id" toml:"chain_id"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout" toml:"confirm_timeout"`
}

type Reviewer struct {
	BaseURL     string        `mapstructure:"base_url" toml:"base_url"`
	APIKey      string        `mapstructure:"api_key" toml:"api_key"`
	Model       string        `mapstructure:"model" toml:"model"`
	MaxTokens   int           `mapstructure:"max_tokens" toml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" toml:"timeout"`
	MaxAttempts uint          `mapstructure:"max_attempts" toml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" toml:"backoff"`
}

type Ledger struct {
	// Pool is the total grantable amount in token base units, as a decimal string.
	Pool string `mapstructure:"pool" toml:"pool"`
	// contract pays out through executeProposal, wallet transfers from the signer key
	Mode string `mapstructure:"mode" toml:"mode"`
}

type Webhook struct {
	Secret       string `mapstructure:"secret" toml:"secret"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" toml:"max_body_bytes"`
}

type RateLimit struct {
	SubmitLimit   int           `mapstructure:"submit_limit" toml:"submit_limit"`
	SubmitWindow  time.Duration `mapstructure:"submit_window" toml:"submit_window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" toml:"sweep_interval"`
}

type Submission struct {
	Cooldown       time.Duration `mapstructure:"cooldown" toml:"cooldown"`
	MaxTitleLength int           `mapstructure:"max_title_length" toml:"max_title_length"`
	MaxBodyLength  int           `mapstructure:"max_body_length" toml:"max_body_length"`
	VotingPeriod   time.Duration `mapstructure:"voting_period" toml:"voting_period"`
	// Quorum is the minimum support in vote units, empty means a simple majority
	Quorum       string `mapstructure:"quorum" toml:"quorum"`
	AutoFinalize bool   `mapstructure:"auto_finalize" toml:"auto_finalize"`
}

type Tasks struct {
	Workers     int           `mapstructure:"workers" toml:"workers"`
	QueueSize   int           `mapstructure:"queue_size" toml:"queue_size"`
	Timeout     time.Duration `mapstructure:"timeout" toml:"timeout"`
	MaxAttempts uint          `mapstructure:"max_attempts" toml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" toml:"backoff"`
}

type Watcher struct {
	Enable bool `mapstructure:"enable" toml:"enable"`
	// beginning of the queried range when no cursor is stored, 0 means genesis block
	FromBlock         uint64        `mapstructure:"from_block" toml:"from_block"`
	ReconnectAttempts uint          `mapstructure:"reconnect_attempts" toml:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff" toml:"reconnect_backoff"`
	// interval for reapplying logs whose handling failed
	RetryInterval time.Duration `mapstructure:"retry_interval" toml:"retry_interval"`
}

type Sweeper struct {
	Enable    bool          `mapstructure:"enable" toml:"enable"`
	Interval  time.Duration `mapstructure:"interval" toml:"interval"`
	MinAge    time.Duration `mapstructure:"min_age" toml:"min_age"`
	BatchSize int           `mapstructure:"batch_size" toml:"batch_size"`
}

type NATS struct {
	// empty disables lifecycle notifications
	URL           string `mapstructure:"url" toml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" toml:"subject_prefix"`
}

func DefaultConfig(repoRoot string) *Config {
	return &Config{
		RepoRoot: repoRoot,
		HTTP: HTTP{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Log: Log{
			Level:        "info",
			Filename:     "treasury.log",
			ReportCaller: false,
			MaxAge:       30 * 24 * time.Hour,
			RotationTime: 24 * time.Hour,
		},
		Database: Database{
			Driver:  "sqlite",
			DataDir: "data",
		},
		Chain: Chain{
			DialURL:        "ws://localhost:8546",
			ChainID:        1337,
			ConfirmTimeout: 2 * time.Minute,
		},
		Reviewer: Reviewer{
			BaseURL:     "https://api.anthropic.com",
			Model:       "claude-3-5-sonnet-latest",
			MaxTokens:   1024,
			Timeout:     60 * time.Second,
			MaxAttempts: 3,
			Backoff:     time.Second,
		},
		Ledger: Ledger{
			Pool: "1000000000000000000000000",
			Mode: "contract",
		},
		Webhook: Webhook{
			MaxBodyBytes: 64 << 10,
		},
		RateLimit: RateLimit{
			SubmitLimit:   5,
			SubmitWindow:  time.Hour,
			SweepInterval: time.Minute,
		},
		Submission: Submission{
			Cooldown:       7 * 24 * time.Hour,
			MaxTitleLength: 200,
			MaxBodyLength:  20000,
			VotingPeriod:   7 * 24 * time.Hour,
			AutoFinalize:   true,
		},
		Tasks: Tasks{
			Workers:     4,
			QueueSize:   1000,
			Timeout:     5 * time.Minute,
			MaxAttempts: 5,
			Backoff:     2 * time.Second,
		},
		Watcher: Watcher{
			Enable:            true,
			ReconnectAttempts: 5,
			ReconnectBackoff:  5 * time.Second,
			RetryInterval:     30 * time.Second,
		},
		Sweeper: Sweeper{
			Enable:    true,
			Interval:  5 * time.Minute,
			MinAge:    2 * time.Minute,
			BatchSize: 100,
		},
		NATS: NATS{
			SubjectPrefix: "treasury",
		},
	}
}

// PoolAmount parses the ledger pool.
func (c *Config) PoolAmount() (*big.Int, error) {
	pool, ok := new(big.Int).SetString(strings.TrimSpace(c.Ledger.Pool), 10)
	if !ok || pool.Sign() <= 0 {
		return nil, errors.Errorf("ledger.pool %q is not a positive integer", c.Ledger.Pool)
	}
	return pool, nil
}

// QuorumAmount parses the submission quorum; nil means none.
func (c *Config) QuorumAmount() (*big.Int, error) {
	s := strings.TrimSpace(c.Submission.Quorum)
	if s == "" {
		return nil, nil
	}
	q, ok := new(big.Int).SetString(s, 10)
	if !ok || q.Sign() < 0 {
		return nil, errors.Errorf("submission.quorum %q is not a non-negative integer", c.Submission.Quorum)
	}
	return q, nil
}

// Validate reports the first setting the daemon cannot start with.
func (c *Config) Validate() error {
	if _, err := c.PoolAmount(); err != nil {
		return err
	}
	if _, err := c.QuorumAmount(); err != nil {
		return err
	}
	switch c.Ledger.Mode {
	case "contract", "wallet":
	default:
		return errors.Errorf("ledger.mode %q must be contract or wallet", c.Ledger.Mode)
	}
	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return errors.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	for name, addr := range map[string]string{
		"chain.contract_address": c.Chain.ContractAddress,
		"chain.token_address":    c.Chain.TokenAddress,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s %q is not a hex address", name, addr)
		}
	}
	return nil
}
