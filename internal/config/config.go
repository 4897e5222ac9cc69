package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Pablu23/Uget/internal/client"
	"github.com/Pablu23/Uget/internal/common"
	"github.com/Pablu23/Uget/internal/server"
)

type Configuration struct {
	LogLevel string `yaml:"log_level"`

	Protocol struct {
		// Terminal selects explicit end-of-transfer markers over the
		// receive timeout. Both ends read the same flag.
		Terminal bool `yaml:"terminal"`
	} `yaml:"protocol"`

	Server struct {
		Address    string `yaml:"address"`
		Port       int    `yaml:"port"`
		DataPath   string `yaml:"data_path"`
		ChunkSize  int    `yaml:"chunk_size"`
		SendDelay  string `yaml:"send_delay"`
		Concurrent bool   `yaml:"concurrent"`
	} `yaml:"server"`

	Client struct {
		Address           string `yaml:"address"`
		Timeout           string `yaml:"timeout"`
		RetransmitTimeout string `yaml:"retransmit_timeout"`
		BatchSize         int    `yaml:"batch_size"`
		SyncRecovery      bool   `yaml:"sync_recovery"`
		AllowPartial      bool   `yaml:"allow_partial"`
		SimulateLoss      bool   `yaml:"simulate_loss"`
		OutputDir         string `yaml:"output_dir"`
	} `yaml:"client"`
}

func Default() *Configuration {
	config := &Configuration{LogLevel: "info"}
	config.Protocol.Terminal = true

	config.Server.Address = "0.0.0.0"
	config.Server.Port = common.DefaultPort
	config.Server.DataPath = "."
	config.Server.ChunkSize = common.DefaultChunkSize
	config.Server.SendDelay = "0s"

	config.Client.Address = fmt.Sprintf("127.0.0.1:%d", common.DefaultPort)
	config.Client.Timeout = common.DefaultTimeout.String()
	config.Client.RetransmitTimeout = common.DefaultRetransmitTimeout.String()
	config.Client.BatchSize = common.MaxBatchSize
	config.Client.SyncRecovery = true
	config.Client.OutputDir = "."

	return config
}

// Load reads path over the defaults, applies UGET_* environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Configuration, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := config.loadEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func (c *Configuration) loadEnvironment() error {
	strs := map[string]*string{
		"UGET_LOG_LEVEL":          &c.LogLevel,
		"UGET_SERVER_ADDRESS":     &c.Server.Address,
		"UGET_DATA_PATH":          &c.Server.DataPath,
		"UGET_SEND_DELAY":         &c.Server.SendDelay,
		"UGET_CLIENT_ADDRESS":     &c.Client.Address,
		"UGET_TIMEOUT":            &c.Client.Timeout,
		"UGET_RETRANSMIT_TIMEOUT": &c.Client.RetransmitTimeout,
		"UGET_OUTPUT_DIR":         &c.Client.OutputDir,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"UGET_SERVER_PORT": &c.Server.Port,
		"UGET_CHUNK_SIZE":  &c.Server.ChunkSize,
		"UGET_BATCH_SIZE":  &c.Client.BatchSize,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"UGET_TERMINAL":      &c.Protocol.Terminal,
		"UGET_CONCURRENT":    &c.Server.Concurrent,
		"UGET_SYNC_RECOVERY": &c.Client.SyncRecovery,
		"UGET_ALLOW_PARTIAL": &c.Client.AllowPartial,
		"UGET_SIMULATE_LOSS": &c.Client.SimulateLoss,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	return nil
}

func (c *Configuration) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Server.DataPath == "" {
		return fmt.Errorf("data path cannot be empty")
	}
	if c.Server.ChunkSize <= 0 || c.Server.ChunkSize > common.MaxDatagramSize-common.HeaderSize {
		return fmt.Errorf("chunk size must be between 1 and %d", common.MaxDatagramSize-common.HeaderSize)
	}
	if d, err := time.ParseDuration(c.Server.SendDelay); err != nil || d < 0 {
		return fmt.Errorf("invalid send delay %q", c.Server.SendDelay)
	}

	if c.Client.Address == "" {
		return fmt.Errorf("client address cannot be empty")
	}
	if c.Client.BatchSize < 1 || c.Client.BatchSize > common.MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d", common.MaxBatchSize)
	}
	for name, value := range map[string]string{
		"timeout":            c.Client.Timeout,
		"retransmit timeout": c.Client.RetransmitTimeout,
	} {
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("invalid %s %q", name, value)
		}
	}

	return nil
}

// Level is only valid after Validate.
func (c *Configuration) Level() log.Level {
	level, _ := log.ParseLevel(c.LogLevel)
	return level
}

func (c *Configuration) ServerOptions() func(*server.Options) {
	return func(o *server.Options) {
		o.Address = c.Server.Address
		o.Port = c.Server.Port
		o.Datapath = c.Server.DataPath
		o.ChunkSize = c.Server.ChunkSize
		o.SendDelay, _ = time.ParseDuration(c.Server.SendDelay)
		o.Terminal = c.Protocol.Terminal
		o.Concurrent = c.Server.Concurrent
	}
}

func (c *Configuration) ClientOptions() func(*client.Options) {
	return func(o *client.Options) {
		o.Timeout, _ = time.ParseDuration(c.Client.Timeout)
		o.RetransmitTimeout, _ = time.ParseDuration(c.Client.RetransmitTimeout)
		o.BatchSize = c.Client.BatchSize
		o.SyncRecovery = c.Client.SyncRecovery
		o.Terminal = c.Protocol.Terminal
		o.AllowPartial = c.Client.AllowPartial
		o.SimulateLoss = c.Client.SimulateLoss
		o.OutputDir = c.Client.OutputDir
	}
}
