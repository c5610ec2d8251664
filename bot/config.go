package bot

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Configuration field names as they appear in the configuration file.
const (
	CfgTgToken         = "TgToken"
	CfgDbConnStr       = "DBConnStr"
	CfgDbRetryAttempts = "DBRetryAttempts"
	CfgDbRetryDelay    = "DBRetryDelay"
	CfgDbTimeout       = "DBTimeout"
	CfgWebAddr         = "WebAddr"
	CfgWebBaseURL      = "WebBaseURL"
	CfgPollInterval    = "PollInterval"
	CfgPollBackoff     = "PollBackoff"
	CfgLogLevel        = "LogLevel"
)

// Duration is a time.Duration that can be read from either a Go duration
// string ("30s", "2m") or an integer number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", val)
		}
		*d = Duration(dur)
	default:
		return errors.Errorf("invalid duration %s", string(b))
	}

	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// D returns the value as time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config keeps bot configuration
type Config struct {
	TgToken         string   `json:"TgToken"`
	DBConnStr       string   `json:"DBConnStr"`
	DBRetryAttempts int      `json:"DBRetryAttempts"`
	DBRetryDelay    Duration `json:"DBRetryDelay"`
	DBTimeout       Duration `json:"DBTimeout"`
	WebAddr         string   `json:"WebAddr"`
	WebBaseURL      string   `json:"WebBaseURL"`
	PollInterval    Duration `json:"PollInterval"`
	PollBackoff     Duration `json:"PollBackoff"`
	LogLevel        string   `json:"LogLevel"`
}

// DefaultConfig returns configuration with every optional field set.
func DefaultConfig() Config {
	return Config{
		DBRetryAttempts: 3,
		DBRetryDelay:    Duration(time.Second),
		DBTimeout:       Duration(5 * time.Second),
		WebAddr:         ":8080",
		PollInterval:    Duration(30 * time.Second),
		PollBackoff:     Duration(2 * time.Minute),
		LogLevel:        "info",
	}
}

// ParseConfig makes sure that all required fields are present in the raw
// configuration of the named bot and decodes it over the defaults.
func ParseConfig(name string, raw json.RawMessage, required []string) (*Config, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrapf(err, "couldn't unmarshal %v's configuration", name)
	}

	missingFields := []string{}
	for _, field := range required {
		v, ok := fields[field]
		if !ok || v == nil || v == "" {
			missingFields = append(missingFields, field)
		}
	}

	if len(missingFields) > 0 {
		return nil, fmt.Errorf("%v's configuration is missing field(s): %s", name, strings.Join(missingFields, ", "))
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "couldn't decode %v's configuration", name)
	}

	if cfg.WebBaseURL == "" {
		cfg.WebBaseURL = "http://localhost" + cfg.WebAddr
	}
	cfg.WebBaseURL = strings.TrimRight(cfg.WebBaseURL, "/")

	return &cfg, nil
}
