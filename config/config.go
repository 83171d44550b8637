// Package config loads the msgguard YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"msgguard/alert"
	"msgguard/filter"
)

// TargetsConfig accepts either:
//  1. mapping form (preferred):
//     targets:
//     com.kakao.talk: 카카오톡
//     com.samsung.android.messaging: 메세지
//  2. list form, of package names or {package, label} objects:
//     targets:
//     - com.kakao.talk
//     - package: com.samsung.android.messaging
//     label: 메세지
type TargetsConfig struct {
	Items []filter.Target
	set   bool
}

func (t *TargetsConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]filter.Target, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			pkg := strings.TrimSpace(value.Content[i].Value)
			if pkg == "" {
				continue
			}
			items = append(items, filter.Target{Package: pkg, Label: strings.TrimSpace(value.Content[i+1].Value)})
		}
		t.Items, t.set = items, true
		return nil
	case yaml.SequenceNode:
		items := make([]filter.Target, 0, len(value.Content))
		for _, n := range value.Content {
			switch n.Kind {
			case yaml.ScalarNode:
				if pkg := strings.TrimSpace(n.Value); pkg != "" {
					items = append(items, filter.Target{Package: pkg})
				}
			case yaml.MappingNode:
				var tmp filter.Target
				if err := n.Decode(&tmp); err != nil {
					return err
				}
				if tmp.Package = strings.TrimSpace(tmp.Package); tmp.Package != "" {
					items = append(items, tmp)
				}
			}
		}
		t.Items, t.set = items, true
		return nil
	default:
		return nil
	}
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables a rotated log file next to stderr output.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type HistoryConfig struct {
	Namespace string        `yaml:"namespace"`
	MaxItems  int           `yaml:"max_items"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type AnalysisConfig struct {
	Endpoint string `yaml:"endpoint"`
	// Mock replaces the scoring service with a local stub.
	Mock           bool          `yaml:"mock"`
	MockScore      *float64      `yaml:"mock_score"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	Burst          int           `yaml:"burst"`
}

type ClassifierConfig struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

const (
	SourceMQTT   = "mqtt"
	SourceMemory = "memory"
	SourceNone   = "none"
)

type SourceConfig struct {
	// Type is mqtt, memory or none.
	Type string     `yaml:"type"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

type PermissionConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

type SyslogConfig struct {
	Addr    string            `yaml:"addr"`
	AppName string            `yaml:"app_name"`
	SDID    string            `yaml:"sd_id"`
	Labels  map[string]string `yaml:"labels"`
}

type NotifyConfig struct {
	// Log writes alerts to stdout; it is the fallback when nothing else is set.
	Log          *bool         `yaml:"log"`
	ShoutrrrURLs []string      `yaml:"shoutrrr_urls"`
	PushTimeout  time.Duration `yaml:"push_timeout"`
	Syslog       SyslogConfig  `yaml:"syslog"`
	Timeout      time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	MaxInFlight int64 `yaml:"max_in_flight"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

type FileConfig struct {
	Debug       bool             `yaml:"debug"`
	Log         LogConfig        `yaml:"log"`
	Database    DatabaseConfig   `yaml:"database"`
	History     HistoryConfig    `yaml:"history"`
	Analysis    AnalysisConfig   `yaml:"analysis"`
	Classifier  ClassifierConfig `yaml:"classifier"`
	Targets     TargetsConfig    `yaml:"targets"`
	Rules       []filter.Rule    `yaml:"rules"`
	DedupWindow time.Duration    `yaml:"dedup_window"`
	Source      SourceConfig     `yaml:"source"`
	Permission  PermissionConfig `yaml:"permission"`
	Notify      NotifyConfig     `yaml:"notify"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	API         APIConfig        `yaml:"api"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML and applies defaults.
func Parse(b []byte) (*FileConfig, error) {
	cfg := newFileConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns the configuration used without a config file.
func Default() *FileConfig {
	cfg := newFileConfig()
	cfg.ApplyDefaults()
	return &cfg
}

// newFileConfig pre-fills the settings whose zero value is meaningful, so a
// file that sets only one of them keeps the default for the other.
func newFileConfig() FileConfig {
	c := alert.DefaultClassifier()
	return FileConfig{Classifier: ClassifierConfig{Low: c.Low, High: c.High}}
}

func (c *FileConfig) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
		if c.Debug {
			c.Log.Level = "debug"
		}
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 20
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	if c.Database.Path == "" {
		c.Database.Path = "msgguard.db"
	}
	if !c.Targets.set {
		c.Targets.Items = filter.DefaultTargets()
	}
	if c.Rules == nil {
		c.Rules = filter.DefaultRules()
	}
	if c.Source.Type == "" {
		c.Source.Type = SourceMemory
		if c.Source.MQTT.Broker != "" {
			c.Source.Type = SourceMQTT
		}
	}
	if c.Permission.Interval == 0 {
		c.Permission.Interval = 200 * time.Millisecond
	}
	if c.Permission.MaxWait == 0 {
		c.Permission.MaxWait = 10 * time.Second
	}
	if c.Notify.Log == nil {
		on := true
		c.Notify.Log = &on
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8787"
	}
}

// Validate reports every invalid setting.
func (c *FileConfig) Validate() error {
	var errs []error
	if _, err := alert.NewClassifier(c.Classifier.Low, c.Classifier.High); err != nil {
		errs = append(errs, err)
	}
	switch c.Source.Type {
	case SourceMemory, SourceNone:
	case SourceMQTT:
		if strings.TrimSpace(c.Source.MQTT.Broker) == "" {
			errs = append(errs, errors.New("source.mqtt.broker is required for the mqtt source"))
		}
		if c.Source.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("source.mqtt.qos must be 0, 1 or 2, got %d", c.Source.MQTT.QoS))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.type %q", c.Source.Type))
	}
	if !c.Analysis.Mock && strings.TrimSpace(c.Analysis.Endpoint) == "" {
		errs = append(errs, errors.New("analysis.endpoint is required unless analysis.mock is set"))
	}
	if c.Analysis.RateLimit < 0 {
		errs = append(errs, errors.New("analysis.rate_limit must not be negative"))
	}
	if c.DedupWindow < 0 {
		errs = append(errs, errors.New("dedup_window must not be negative"))
	}
	if c.History.MaxItems < 0 {
		errs = append(errs, errors.New("history.max_items must not be negative"))
	}
	for i, r := range c.Rules {
		if r.Package == "" || r.Separator == "" || r.Part < 0 {
			errs = append(errs, fmt.Errorf("rules[%d]: package, separator and a non-negative part are required", i))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
