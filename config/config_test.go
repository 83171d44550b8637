package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgguard/alert"
	"msgguard/filter"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30.0, cfg.Classifier.Low)
	assert.Equal(t, 90.0, cfg.Classifier.High)
	assert.Equal(t, filter.DefaultTargets(), cfg.Targets.Items)
	assert.Equal(t, filter.DefaultRules(), cfg.Rules)
	assert.Zero(t, cfg.DedupWindow, "duplicate suppression is opt-in")
	assert.Equal(t, SourceMemory, cfg.Source.Type)
	assert.Equal(t, 200*time.Millisecond, cfg.Permission.Interval)
	assert.Equal(t, 10*time.Second, cfg.Permission.MaxWait)
	assert.True(t, *cfg.Notify.Log)

	err := cfg.Validate()
	require.Error(t, err, "endpoint is required")
	assert.Contains(t, err.Error(), "analysis.endpoint")
}

func TestLoadConfig_MappingTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msgguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
debug: true
database:
  path: /var/lib/msgguard/history.db
history:
  max_items: 500
  cache_ttl: 1m
analysis:
  endpoint: https://scoring.example.com/
  rate_limit: 2
classifier:
  low: 30
  high: 70
targets:
  com.kakao.talk: 카카오톡
  org.telegram.messenger: 텔레그램
dedup_window: 15s
source:
  mqtt:
    broker: tcp://broker.local:1883
    qos: 1
notify:
  log: false
  shoutrrr_urls:
    - ntfy://ntfy.sh/msgguard
  syslog:
    addr: 127.0.0.1:1514
    labels:
      job: msgguard
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 500, cfg.History.MaxItems)
	assert.Equal(t, time.Minute, cfg.History.CacheTTL)
	assert.Equal(t, 70.0, cfg.Classifier.High)
	assert.Equal(t, []filter.Target{
		{Package: "com.kakao.talk", Label: "카카오톡"},
		{Package: "org.telegram.messenger", Label: "텔레그램"},
	}, cfg.Targets.Items)
	assert.Equal(t, 15*time.Second, cfg.DedupWindow)
	assert.Equal(t, SourceMQTT, cfg.Source.Type)
	assert.Equal(t, byte(1), cfg.Source.MQTT.QoS)
	assert.False(t, *cfg.Notify.Log)
	assert.Equal(t, []string{"ntfy://ntfy.sh/msgguard"}, cfg.Notify.ShoutrrrURLs)
	assert.Equal(t, "msgguard", cfg.Notify.Syslog.Labels["job"])
}

func TestParse_SingleThresholdKeepsOtherDefault(t *testing.T) {
	cases := []struct {
		yaml      string
		low, high float64
	}{
		{"classifier:\n  high: 70\n", 30, 70},
		{"classifier:\n  low: 50\n", 50, 90},
		{"classifier:\n  low: 0\n  high: 0\n", 0, 0},
	}
	for _, tc := range cases {
		cfg, err := Parse([]byte(tc.yaml + "analysis:\n  mock: true\n"))
		require.NoError(t, err, tc.yaml)
		require.NoError(t, cfg.Validate(), tc.yaml)
		assert.Equal(t, tc.low, cfg.Classifier.Low, tc.yaml)
		assert.Equal(t, tc.high, cfg.Classifier.High, tc.yaml)
	}

	cfg, err := Parse([]byte("classifier:\n  high: 70\n"))
	require.NoError(t, err)
	c, err := alert.NewClassifier(cfg.Classifier.Low, cfg.Classifier.High)
	require.NoError(t, err)
	assert.Equal(t, alert.LevelSafe, c.Classify(10))
	assert.Equal(t, alert.LevelMedium, c.Classify(69))
	assert.Equal(t, alert.LevelHigh, c.Classify(70))
}

func TestParse_ListTargets(t *testing.T) {
	cfg, err := Parse([]byte(`
analysis:
  mock: true
targets:
  - com.kakao.talk
  - package: com.samsung.android.messaging
    label: 메세지
  - ""
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []filter.Target{
		{Package: "com.kakao.talk"},
		{Package: "com.samsung.android.messaging", Label: "메세지"},
	}, cfg.Targets.Items)
}

func TestParse_EmptyTargetListIsKept(t *testing.T) {
	cfg, err := Parse([]byte("targets: []\nanalysis:\n  mock: true\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Targets.Items)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg, err := Parse([]byte(`
classifier:
  low: 95
  high: 90
source:
  type: carrier-pigeon
log:
  format: xml
rules:
  - package: com.kakao.talk
analysis:
  mock: true
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"threshold", "source.type", "log.format", "rules[0]"} {
		assert.Contains(t, err.Error(), want)
	}
}
