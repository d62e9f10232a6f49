package crawler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageRecordJSONRoundTrip(t *testing.T) {
	t.Parallel()
	rec := PageRecord{
		Title: "Welcome",
		URL:   "https://example.com/welcome",
		HTML:  "Hello there",
		Extra: map[string]any{"lang": "en", "wordCount": float64(2)},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var back PageRecord
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, rec, back)
}

func TestPageRecordMarshalNamedFieldsWin(t *testing.T) {
	t.Parallel()
	rec := PageRecord{
		Title: "Real title",
		URL:   "https://example.com",
		HTML:  "content",
		Extra: map[string]any{"title": "shadowed"},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	require.Equal(t, "Real title", obj["title"])
}

func TestPageRecordUnmarshalWithoutExtras(t *testing.T) {
	t.Parallel()
	var rec PageRecord
	require.NoError(t, json.Unmarshal([]byte(`{"title":"T","url":"u","html":"h"}`), &rec))
	require.Equal(t, PageRecord{Title: "T", URL: "u", HTML: "h"}, rec)
	require.Nil(t, rec.Extra)
}

func TestConfigDurationHelpers(t *testing.T) {
	t.Parallel()
	cfg := Config{
		WaitForSelectorTimeout:    1500,
		Throttle:                  true,
		RequestDelay:              250,
		RequestHandlerTimeoutSecs: 30,
		NavigationTimeoutSecs:     45,
		MaxFileSize:               2,
	}

	require.Equal(t, "1.5s", cfg.SelectorWait().String())
	require.Equal(t, "250ms", cfg.Delay().String())
	require.Equal(t, "30s", cfg.HandlerTimeout().String())
	require.Equal(t, "45s", cfg.NavigationTimeout().String())
	require.Equal(t, 2*1024*1024, cfg.MaxBytes())

	cfg.Throttle = false
	require.Zero(t, cfg.Delay(), "delay only applies when throttling is enabled")
}

func TestConfigOutputStem(t *testing.T) {
	t.Parallel()
	require.Equal(t, "output", Config{OutputFileName: "output.json"}.OutputStem())
	require.Equal(t, "corpus", Config{OutputFileName: "corpus"}.OutputStem())
}

func TestConfigSelectorOrDefault(t *testing.T) {
	t.Parallel()
	require.Equal(t, "body", Config{}.SelectorOrDefault())
	require.Equal(t, "main .docs", Config{Selector: "main .docs"}.SelectorOrDefault())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	valid := Config{
		URL:            "https://example.com",
		Match:          []string{"https://example.com/**"},
		OutputFileName: "output.json",
		MaxConcurrency: 1,
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.URL = "" }},
		{"bad scheme", func(c *Config) { c.URL = "ftp://example.com" }},
		{"missing match", func(c *Config) { c.Match = nil }},
		{"unknown engine", func(c *Config) { c.Engine = "telnet" }},
		{"negative pages", func(c *Config) { c.MaxPagesToCrawl = -1 }},
		{"negative tokens", func(c *Config) { c.MaxTokens = -1 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }},
		{"missing output name", func(c *Config) { c.OutputFileName = "" }},
		{"output name with path", func(c *Config) { c.OutputFileName = "out/output.json" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
