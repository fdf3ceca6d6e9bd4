package config

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Validate checks the settings every enabled component depends on.
func (c *Config) Validate() error {
	if c == nil {
		return validation.NewError("config_nil", "config is required")
	}

	errs := validation.Errors{}
	if c.Channels.Turn.Enabled {
		errs["channels.turn"] = c.Channels.Turn.Validate()
	}
	errs["dedup"] = c.Dedup.Validate()
	errs["agents.defaults"] = c.Agents.Defaults.Validate()

	return errs.Filter()
}

// Validate requires the credentials the Turn API and webhook need.
func (c TurnConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.URL, validation.Required, is.URL),
		validation.Field(&c.Token, validation.Required),
		validation.Field(&c.Port, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.HTTPRetries, validation.Min(1)),
		validation.Field(&c.HTTPTimeoutSeconds, validation.Min(0)),
		validation.Field(&c.PathPrefix, validation.By(pathPrefixRule)),
		validation.Field(&c.RetryBackoff),
	)
}

// Validate rejects negative intervals and a cap below the initial interval.
func (c BackoffConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.InitialMillis, validation.Min(0)),
		validation.Field(&c.MaxMillis, validation.Min(0), validation.When(c.MaxMillis > 0, validation.Min(c.InitialMillis))),
	)
}

// Validate checks driver-specific settings for the dedup store.
func (c DedupConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.In(DedupDriverSQL, DedupDriverValkey)),
		validation.Field(&c.RetentionHours, validation.Min(0)),
		validation.Field(&c.SQL, validation.Skip.When(c.Driver != DedupDriverSQL)),
		validation.Field(&c.Valkey, validation.Skip.When(c.Driver != DedupDriverValkey)),
	)
}

func (c SQLConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Dialect, validation.Required, validation.In(DedupDialectSQLite, DedupDialectPostgres)),
		validation.Field(&c.DSN, validation.Required),
	)
}

func (c ValkeyConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Address, validation.Required),
		validation.Field(&c.DB, validation.Min(0)),
	)
}

// Validate restricts the agent back-end to the known providers.
func (c AgentDefaults) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Provider, validation.In("echo", "openai")),
		validation.Field(&c.Model, validation.When(c.Provider == "openai", validation.Required)),
		validation.Field(&c.Workers, validation.Min(0)),
	)
}

func pathPrefixRule(value any) error {
	prefix, _ := value.(string)
	if prefix == "" {
		return nil
	}
	if !strings.HasPrefix(prefix, "/") {
		return validation.NewError("validation_path_prefix", "must start with /")
	}

	return nil
}
