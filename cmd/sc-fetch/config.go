package main

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Sternrassler/searchconsole-client/pkg/batch"
	"github.com/Sternrassler/searchconsole-client/pkg/query"
	"github.com/Sternrassler/searchconsole-client/pkg/ratelimit"
	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// Report modes.
const (
	ModeTop      = "top"
	ModeItemized = "itemized"
)

// Config is the sc-fetch configuration. Every key can be set in the
// config file or as an SC_ environment variable (redis.addr -> SC_REDIS_ADDR).
type Config struct {
	Site        string `mapstructure:"site" validate:"required"`
	Start       string `mapstructure:"start" validate:"required"`
	End         string `mapstructure:"end" validate:"required"`
	Mode        string `mapstructure:"mode" validate:"oneof=top itemized"`
	Dimension   string `mapstructure:"dimension"`
	RowsPerDay  int    `mapstructure:"rows_per_day" validate:"min=1,max=25000"`
	DataState   string `mapstructure:"data_state"`
	SearchType  string `mapstructure:"search_type"`
	Aggregation string `mapstructure:"aggregation"`

	BaseURL   string `mapstructure:"base_url" validate:"required,url"`
	UserAgent string `mapstructure:"user_agent" validate:"required"`
	Token     string `mapstructure:"token"`

	BatchSize int     `mapstructure:"batch_size" validate:"min=1,max=1000"`
	Rate      float64 `mapstructure:"rate" validate:"gt=0"`
	PageSize  int     `mapstructure:"page_size" validate:"min=1,max=25000"`

	Redis struct {
		Addr string `mapstructure:"addr"`
		DB   int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("site", "")
	v.SetDefault("start", "")
	v.SetDefault("end", "")
	v.SetDefault("mode", ModeTop)
	v.SetDefault("dimension", string(query.DimensionQuery))
	v.SetDefault("rows_per_day", 1000)
	v.SetDefault("data_state", string(query.DataStateFinal))
	v.SetDefault("search_type", string(query.SearchTypeWeb))
	v.SetDefault("aggregation", string(query.AggregationAuto))
	v.SetDefault("base_url", transport.DefaultBaseURL)
	v.SetDefault("user_agent", "sc-fetch/0.1.0")
	v.SetDefault("token", "")
	v.SetDefault("batch_size", batch.DefaultBatchSize)
	v.SetDefault("rate", ratelimit.DefaultRate)
	v.SetDefault("page_size", query.MaxRowLimit)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics_addr", "")
}

// LoadConfig reads the optional config file at path and the SC_
// environment.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Params converts the report section into query parameters.
func (c Config) Params() (query.Params, error) {
	start, err := query.ParseDay(c.Start)
	if err != nil {
		return query.Params{}, err
	}
	end, err := query.ParseDay(c.End)
	if err != nil {
		return query.Params{}, err
	}
	state, err := query.ParseDataState(c.DataState)
	if err != nil {
		return query.Params{}, err
	}
	searchType, err := query.ParseSearchType(c.SearchType)
	if err != nil {
		return query.Params{}, err
	}
	aggregation, err := query.ParseAggregationType(c.Aggregation)
	if err != nil {
		return query.Params{}, err
	}
	return query.NewBuilder(c.Site).
		Between(start, end).
		DataState(state).
		SearchType(searchType).
		Aggregation(aggregation).
		Build()
}
