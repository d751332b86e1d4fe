package model

type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Queue    QueueConfig    `yaml:"queue"`
	Engine   EngineConfig   `yaml:"engine"`
	Router   RouterConfig   `yaml:"router"`
	Handlers HandlersConfig `yaml:"handlers"`
	Usage    UsageConfig    `yaml:"usage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type DaemonConfig struct {
	DataDir            string `yaml:"data_dir" env:"REMEDYD_DATA_DIR"`
	SocketPath         string `yaml:"socket_path" env:"REMEDYD_SOCKET_PATH"`
	ScanIntervalSec    int    `yaml:"scan_interval_sec" env:"REMEDYD_SCAN_INTERVAL_SEC"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec" env:"REMEDYD_SHUTDOWN_TIMEOUT_SEC"`
}

// LockPath is the daemon singleton lock file under the data dir.
func (d DaemonConfig) LockPath() string { return d.DataDir + "/remedyd.lock" }

// IntakeDir is the spool directory watched for command files.
func (d DaemonConfig) IntakeDir() string { return d.DataDir + "/intake" }

// AuditPath is the append-only execution ledger mirror.
func (d DaemonConfig) AuditPath() string { return d.DataDir + "/audit/executions.jsonl" }

type QueueConfig struct {
	MaxDepthPerResource int `yaml:"max_depth_per_resource" env:"REMEDYD_QUEUE_MAX_DEPTH"`
}

type EngineConfig struct {
	Workers           int `yaml:"workers" env:"REMEDYD_ENGINE_WORKERS"`
	CommandTimeoutSec int `yaml:"command_timeout_sec" env:"REMEDYD_COMMAND_TIMEOUT_SEC"`
	PollIntervalMs    int `yaml:"poll_interval_ms" env:"REMEDYD_POLL_INTERVAL_MS"`
}

type RouterConfig struct {
	GateRules []GateRule `yaml:"gate_rules"`
}

// GateRule raises the estimated risk of matching commands. When is an
// expression over {kind, resource, priority}, e.g.
// `kind == "config_change" && resource == "iris.cpf"`.
type GateRule struct {
	When string `yaml:"when"`
	Risk string `yaml:"risk"`
}

type HandlersConfig struct {
	CPFPath         string `yaml:"cpf_path" env:"REMEDYD_CPF_PATH"`
	InstanceName    string `yaml:"instance_name" env:"REMEDYD_INSTANCE_NAME"`
	DrainTimeoutSec int    `yaml:"drain_timeout_sec" env:"REMEDYD_DRAIN_TIMEOUT_SEC"`
}

type UsageConfig struct {
	SessionBudget  int     `yaml:"session_budget" env:"REMEDYD_USAGE_SESSION_BUDGET"`
	CommandBudget  int     `yaml:"command_budget" env:"REMEDYD_USAGE_COMMAND_BUDGET"`
	AlertThreshold float64 `yaml:"alert_threshold" env:"REMEDYD_USAGE_ALERT_THRESHOLD"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"REMEDYD_LOG_LEVEL"`
}

// ApplyDefaults fills zero values with operational defaults.
func (c *Config) ApplyDefaults() {
	if c.Daemon.DataDir == "" {
		c.Daemon.DataDir = "/var/lib/remedyd"
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = c.Daemon.DataDir + "/remedyd.sock"
	}
	if c.Daemon.ScanIntervalSec <= 0 {
		c.Daemon.ScanIntervalSec = 10
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Queue.MaxDepthPerResource <= 0 {
		c.Queue.MaxDepthPerResource = 64
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.CommandTimeoutSec <= 0 {
		c.Engine.CommandTimeoutSec = 120
	}
	if c.Engine.PollIntervalMs <= 0 {
		c.Engine.PollIntervalMs = 200
	}
	if c.Handlers.CPFPath == "" {
		c.Handlers.CPFPath = "iris.cpf"
	}
	if c.Handlers.InstanceName == "" {
		c.Handlers.InstanceName = "IRIS"
	}
	if c.Handlers.DrainTimeoutSec <= 0 {
		c.Handlers.DrainTimeoutSec = 30
	}
	if c.Usage.AlertThreshold <= 0 {
		c.Usage.AlertThreshold = 0.8
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
