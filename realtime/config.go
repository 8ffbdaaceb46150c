package realtime

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config controls how the SDK connects and polls.
type Config struct {
	URL              string        `mapstructure:"url"`
	RESTBaseURL      string        `mapstructure:"restBaseURL"`
	Token            string        `mapstructure:"token"` // signed session token sent in hello
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	ReadTimeout      time.Duration `mapstructure:"readTimeout"` // 0 disables; push channels are often idle
	WriteTimeout     time.Duration `mapstructure:"writeTimeout"`

	// MinConnectInterval is the minimum time between two Connect attempts.
	MinConnectInterval time.Duration `mapstructure:"minConnectInterval"`
	AutoReconnect      bool          `mapstructure:"autoReconnect"`
	ReconnectInterval  time.Duration `mapstructure:"reconnectInterval"`
	MaxReconnectDelay  time.Duration `mapstructure:"maxReconnectDelay"`
	MaxReconnectTries  int           `mapstructure:"maxReconnectTries"`

	PollingEnabled     bool          `mapstructure:"pollingEnabled"`
	PollRetryBase      time.Duration `mapstructure:"pollRetryBase"`
	PollRetryCeiling   time.Duration `mapstructure:"pollRetryCeiling"`
	PollMaxRetries     int           `mapstructure:"pollMaxRetries"`
	PollRequestTimeout time.Duration `mapstructure:"pollRequestTimeout"`

	// Endpoints maps entity type to its snapshot path under RESTBaseURL.
	Endpoints map[string]string `mapstructure:"endpoints"`
	// Cadence maps role to {entity type: polling interval}.
	Cadence map[string]map[string]time.Duration `mapstructure:"cadence"`

	// SnapshotPath enables the on-disk collection cache when set.
	SnapshotPath string `mapstructure:"snapshotPath"`
}

// DefaultCadence is the static polling table per role. Roster-like types
// poll far less often than work items.
func DefaultCadence() map[string]map[string]time.Duration {
	return map[string]map[string]time.Duration{
		string(RoleCliente): {
			"tickets":     30 * time.Second,
			"comentarios": 45 * time.Second,
		},
		string(RoleTecnico): {
			"tickets":      15 * time.Second,
			"comentarios":  30 * time.Second,
			"asignaciones": 20 * time.Second,
		},
		string(RoleAdmin): {
			"tickets":      15 * time.Second,
			"comentarios":  30 * time.Second,
			"asignaciones": 20 * time.Second,
			"usuarios":     5 * time.Minute,
			"tecnicos":     5 * time.Minute,
		},
	}
}

// DefaultEndpoints maps every known entity type to its snapshot path.
func DefaultEndpoints() map[string]string {
	return map[string]string{
		"tickets":      "/tickets",
		"comentarios":  "/comentarios",
		"asignaciones": "/asignaciones",
		"usuarios":     "/usuarios",
		"tecnicos":     "/tecnicos",
	}
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MinConnectInterval: 5 * time.Second,
		AutoReconnect:      true,
		ReconnectInterval:  time.Second,
		MaxReconnectDelay:  30 * time.Second,
		MaxReconnectTries:  5,
		PollingEnabled:     true,
		PollRetryBase:      2 * time.Second,
		PollRetryCeiling:   60 * time.Second,
		PollMaxRetries:     5,
		PollRequestTimeout: 10 * time.Second,
		Endpoints:          DefaultEndpoints(),
		Cadence:            DefaultCadence(),
	}
}

// Validate reports configuration that cannot work. An empty URL is allowed:
// the client then runs on polling alone and Connect fails with ErrNoEndpoint.
func (c Config) Validate() error {
	var errs []error
	if c.PollingEnabled && c.RESTBaseURL == "" {
		errs = append(errs, errors.New("restBaseURL is required when polling is enabled"))
	}
	if c.AutoReconnect && c.MaxReconnectTries <= 0 {
		errs = append(errs, errors.New("maxReconnectTries must be positive"))
	}
	if c.ReconnectInterval < 0 || c.MaxReconnectDelay < 0 || c.MinConnectInterval < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.PollingEnabled && c.PollMaxRetries <= 0 {
		errs = append(errs, errors.New("pollMaxRetries must be positive"))
	}
	for role, table := range c.Cadence {
		for typ, d := range table {
			if d <= 0 {
				errs = append(errs, errors.New("cadence "+role+"/"+typ+" must be positive"))
			}
		}
	}
	if len(errs) > 0 {
		return WrapError(ErrorInvalidConfig, "invalid config", errors.Join(errs...))
	}
	return nil
}

// LoadConfig reads configuration from an optional yaml file named name in
// the working directory and from TICKETSYNC_* environment variables, on
// top of DefaultConfig.
func LoadConfig(logger Logger, name string) (Config, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	def := DefaultConfig()
	v := viper.New()

	v.SetDefault("url", def.URL)
	v.SetDefault("restBaseURL", def.RESTBaseURL)
	v.SetDefault("token", def.Token)
	v.SetDefault("handshakeTimeout", def.HandshakeTimeout)
	v.SetDefault("readTimeout", def.ReadTimeout)
	v.SetDefault("writeTimeout", def.WriteTimeout)
	v.SetDefault("minConnectInterval", def.MinConnectInterval)
	v.SetDefault("autoReconnect", def.AutoReconnect)
	v.SetDefault("reconnectInterval", def.ReconnectInterval)
	v.SetDefault("maxReconnectDelay", def.MaxReconnectDelay)
	v.SetDefault("maxReconnectTries", def.MaxReconnectTries)
	v.SetDefault("pollingEnabled", def.PollingEnabled)
	v.SetDefault("pollRetryBase", def.PollRetryBase)
	v.SetDefault("pollRetryCeiling", def.PollRetryCeiling)
	v.SetDefault("pollMaxRetries", def.PollMaxRetries)
	v.SetDefault("pollRequestTimeout", def.PollRequestTimeout)
	// Nested tables are set per leaf so a file overriding one entry keeps
	// the other defaults.
	for typ, path := range def.Endpoints {
		v.SetDefault("endpoints."+typ, path)
	}
	for role, table := range def.Cadence {
		for typ, d := range table {
			v.SetDefault("cadence."+role+"."+typ, d)
		}
	}
	v.SetDefault("snapshotPath", def.SnapshotPath)

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TICKETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, WrapError(ErrorInvalidConfig, "read config file", err)
		}
		logger.Warn("config file not found, using defaults and environment", map[string]any{"name": name})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, WrapError(ErrorInvalidConfig, "decode config", err)
	}
	return cfg, nil
}
