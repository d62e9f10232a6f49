package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Crawl.Engine != "browser" {
		t.Fatalf("expected browser engine default, got %q", cfg.Crawl.Engine)
	}
	if cfg.Crawl.MaxPagesToCrawl != 50 {
		t.Fatalf("expected maxPagesToCrawl default 50, got %d", cfg.Crawl.MaxPagesToCrawl)
	}
	if cfg.Crawl.OutputFileName != "output.json" {
		t.Fatalf("expected output.json default, got %q", cfg.Crawl.OutputFileName)
	}
	if cfg.Crawl.MaxOpenPagesPerBrowser != 20 || cfg.Crawl.RetireInstanceAfterRequestCount != 100 {
		t.Fatalf("expected browser pool defaults, got %d/%d",
			cfg.Crawl.MaxOpenPagesPerBrowser, cfg.Crawl.RetireInstanceAfterRequestCount)
	}
	if cfg.Dataset.Provider != "fs" || cfg.Dataset.Dir != "storage/datasets/default" {
		t.Fatalf("expected fs dataset defaults, got %+v", cfg.Dataset)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected :8080 default, got %q", cfg.Server.Addr)
	}
	if got := cfg.RequestTimeout(); got != 300*time.Second {
		t.Fatalf("expected request timeout 300s, got %v", got)
	}
	if cfg.Output.TokenOverflow != "halve" {
		t.Fatalf("expected halve overflow default, got %q", cfg.Output.TokenOverflow)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sitestitch.yaml")
	configYAML := `
logging:
  development: true
crawl:
  url: https://docs.example.com/guide
  engine: static
  match:
    - "https://docs.example.com/guide/**"
  maxPagesToCrawl: 5
  selector: ".docs-content"
  maxConcurrency: 4
  cookies:
    - name: session
      value: abc123
output:
  dir: out
  tokenOverflow: isolate
dataset:
  provider: postgres
  dsn: postgres://crawler@localhost:5432/crawls
upload:
  provider: gcs
  bucket: crawl-output
  prefix: crawls
notify:
  provider: pubsub
  projectId: acme-project
  topic: crawl-done
server:
  addr: ":9090"
  requestTimeoutSecs: 120
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Crawl.URL != "https://docs.example.com/guide" || cfg.Crawl.Engine != "static" {
		t.Fatalf("expected crawl overrides to apply, got %+v", cfg.Crawl)
	}
	if cfg.Crawl.MaxPagesToCrawl != 5 || cfg.Crawl.MaxConcurrency != 4 {
		t.Fatalf("expected crawl limits to apply, got %+v", cfg.Crawl)
	}
	if len(cfg.Crawl.Cookies) != 1 || cfg.Crawl.Cookies[0].Name != "session" {
		t.Fatalf("expected cookie to load, got %+v", cfg.Crawl.Cookies)
	}
	if cfg.Crawl.MaxRequestRetries != 3 {
		t.Fatalf("expected untouched keys to keep defaults, got %d", cfg.Crawl.MaxRequestRetries)
	}
	if !cfg.Logging.Development {
		t.Fatal("expected development logging")
	}
	if cfg.Output.Dir != "out" || cfg.Overflow() != "isolate" {
		t.Fatalf("expected output overrides, got %+v", cfg.Output)
	}
	if cfg.Dataset.Provider != "postgres" || cfg.Dataset.Table != "page_records" {
		t.Fatalf("expected postgres provider with default table, got %+v", cfg.Dataset)
	}
	if cfg.Upload.Bucket != "crawl-output" || cfg.Notify.Topic != "crawl-done" {
		t.Fatalf("expected upload/notify overrides, got %+v/%+v", cfg.Upload, cfg.Notify)
	}
	if cfg.Server.Addr != ":9090" || cfg.RequestTimeout() != 2*time.Minute {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SITESTITCH_SERVER_ADDR", ":7070")
	t.Setenv("SITESTITCH_DATASET_PROVIDER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("expected env addr override, got %q", cfg.Server.Addr)
	}
	if cfg.Dataset.Provider != "memory" {
		t.Fatalf("expected env provider override, got %q", cfg.Dataset.Provider)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Dataset: DatasetConfig{Provider: "fs", Dir: "storage/datasets/default"},
		Server:  ServerConfig{Addr: ":8080", RequestTimeoutSecs: 300},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "unknown dataset provider",
			cfg: func() Config {
				c := base
				c.Dataset.Provider = "redis"
				return c
			}(),
			want: "dataset provider",
		},
		{
			name: "postgres without dsn",
			cfg: func() Config {
				c := base
				c.Dataset = DatasetConfig{Provider: "postgres", Table: "page_records"}
				return c
			}(),
			want: "dataset.dsn",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Upload.Provider = "gcs"
				return c
			}(),
			want: "upload.bucket",
		},
		{
			name: "local without dir",
			cfg: func() Config {
				c := base
				c.Upload.Provider = "local"
				return c
			}(),
			want: "upload.dir",
		},
		{
			name: "pubsub without topic",
			cfg: func() Config {
				c := base
				c.Notify = NotifyConfig{Provider: "pubsub", ProjectID: "acme"}
				return c
			}(),
			want: "notify.projectId and notify.topic",
		},
		{
			name: "bad overflow policy",
			cfg: func() Config {
				c := base
				c.Output.TokenOverflow = "split"
				return c
			}(),
			want: "output.tokenOverflow",
		},
		{
			name: "bad request timeout",
			cfg: func() Config {
				c := base
				c.Server.RequestTimeoutSecs = 0
				return c
			}(),
			want: "server.requestTimeoutSecs",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
