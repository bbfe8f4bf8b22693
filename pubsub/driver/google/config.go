package google

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/infigaming-com/go-pubsub/pubsub"
)

// Config configures the Cloud Pub/Sub driver. Client, when set, is used as is
// and the connection fields are ignored.
type Config struct {
	ProjectID       string        `yaml:"project_id" envconfig:"PUBSUB_PROJECT_ID"`
	CredentialsFile string        `yaml:"credentials_file" envconfig:"PUBSUB_CREDENTIALS_FILE"`
	CredentialsJSON string        `yaml:"-" envconfig:"PUBSUB_CREDENTIALS_JSON"`
	Endpoint        string        `yaml:"endpoint" envconfig:"PUBSUB_ENDPOINT"`
	EmulatorHost    string        `yaml:"emulator_host" envconfig:"PUBSUB_EMULATOR_HOST"`
	UserAgent       string        `yaml:"user_agent" envconfig:"PUBSUB_USER_AGENT"`
	CallTimeout     time.Duration `yaml:"call_timeout" envconfig:"PUBSUB_CALL_TIMEOUT"`

	Client SubscriberClient `yaml:"-" ignored:"true"`
	Logger pubsub.Logger    `yaml:"-" ignored:"true"`
}

const defaultCallTimeout = 30 * time.Second

// LoadConfig reads configuration from the YAML file at path, when given, and
// then applies environment overrides.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("googlepubsub: load config from file: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("googlepubsub: process environment variables: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("googlepubsub: invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

func (c Config) withDefaults() Config {
	if c.CallTimeout == 0 {
		c.CallTimeout = defaultCallTimeout
	}
	return c
}

func (c Config) Validate() error {
	if c.CallTimeout < 0 {
		return fmt.Errorf("negative call timeout %s", c.CallTimeout)
	}
	if c.Client == nil && c.EmulatorHost == "" && c.ProjectID == "" {
		return fmt.Errorf("project id required when neither client nor emulator host is set")
	}
	return nil
}
