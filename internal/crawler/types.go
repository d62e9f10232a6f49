package crawler

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Engine names accepted by Config.Engine.
const (
	// EngineBrowser crawls with a headless browser pool.
	EngineBrowser = "browser"
	// EngineStatic crawls with a plain HTTP collector, for sites that do
	// not need JavaScript to render their content.
	EngineStatic = "static"
)

// PageRecord is the structured result captured for one successfully loaded
// page. HTML holds the selector-extracted text content, not raw markup.
// Extra carries any additional fields a page visitor attached; the JSON form
// is a single flat object and the three named fields win on key collisions.
// A record is immutable once produced and is consumed by value.
type PageRecord struct {
	Title string
	URL   string
	HTML  string
	Extra map[string]any
}

// MarshalJSON flattens Extra alongside the named fields.
func (r PageRecord) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		obj[k] = v
	}
	obj["title"] = r.Title
	obj["url"] = r.URL
	obj["html"] = r.HTML
	return json.Marshal(obj)
}

// UnmarshalJSON splits the named fields from any additional keys so that
// records round-trip through storage without losing visitor-attached fields.
func (r *PageRecord) UnmarshalJSON(data []byte) error {
	obj := make(map[string]any)
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.Title, _ = obj["title"].(string)
	r.URL, _ = obj["url"].(string)
	r.HTML, _ = obj["html"].(string)
	delete(obj, "title")
	delete(obj, "url")
	delete(obj, "html")
	if len(obj) == 0 {
		obj = nil
	}
	r.Extra = obj
	return nil
}

// Cookie is injected into the page context before navigation.
type Cookie struct {
	Name  string `json:"name" mapstructure:"name"`
	Value string `json:"value" mapstructure:"value"`
}

// Config governs one crawl run. It is resolved and validated once before the
// run starts and never mutated afterwards. Field tags keep the camelCase
// spelling of the configuration surface so the same struct describes both
// the crawl section of the config file and the API request body.
type Config struct {
	URL                             string   `json:"url" mapstructure:"url"`
	Engine                          string   `json:"engine,omitempty" mapstructure:"engine"`
	Match                           []string `json:"match" mapstructure:"match"`
	Exclude                         []string `json:"exclude,omitempty" mapstructure:"exclude"`
	MaxPagesToCrawl                 int      `json:"maxPagesToCrawl,omitempty" mapstructure:"maxPagesToCrawl"`
	Selector                        string   `json:"selector,omitempty" mapstructure:"selector"`
	WaitForSelectorTimeout          int      `json:"waitForSelectorTimeout,omitempty" mapstructure:"waitForSelectorTimeout"`
	SavePerPage                     bool     `json:"savePerPage,omitempty" mapstructure:"savePerPage"`
	OutputFileName                  string   `json:"outputFileName,omitempty" mapstructure:"outputFileName"`
	MaxFileSize                     int      `json:"maxFileSize,omitempty" mapstructure:"maxFileSize"`
	MaxTokens                       int      `json:"maxTokens,omitempty" mapstructure:"maxTokens"`
	Throttle                        bool     `json:"throttle,omitempty" mapstructure:"throttle"`
	RequestDelay                    int      `json:"requestDelay,omitempty" mapstructure:"requestDelay"`
	Cookies                         []Cookie `json:"cookies,omitempty" mapstructure:"cookies"`
	ResourceExclusions              []string `json:"resourceExclusions,omitempty" mapstructure:"resourceExclusions"`
	MaxConcurrency                  int      `json:"maxConcurrency,omitempty" mapstructure:"maxConcurrency"`
	MaxRequestsPerMinute            int      `json:"maxRequestsPerMinute,omitempty" mapstructure:"maxRequestsPerMinute"`
	MaxOpenPagesPerBrowser          int      `json:"maxOpenPagesPerBrowser,omitempty" mapstructure:"maxOpenPagesPerBrowser"`
	RetireInstanceAfterRequestCount int      `json:"retireInstanceAfterRequestCount,omitempty" mapstructure:"retireInstanceAfterRequestCount"`
	MaxRequestRetries               int      `json:"maxRequestRetries,omitempty" mapstructure:"maxRequestRetries"`
	RequestHandlerTimeoutSecs       int      `json:"requestHandlerTimeoutSecs,omitempty" mapstructure:"requestHandlerTimeoutSecs"`
	NavigationTimeoutSecs           int      `json:"navigationTimeoutSecs,omitempty" mapstructure:"navigationTimeoutSecs"`
}

// WaitForSelectorTimeout and RequestDelay are milliseconds; the *Secs fields
// are seconds; MaxFileSize is megabytes. The helpers below convert once so
// the rest of the code only sees time.Duration and bytes.

// SelectorOrDefault returns the configured selector, or the document body.
func (c Config) SelectorOrDefault() string {
	if c.Selector == "" {
		return "body"
	}
	return c.Selector
}

// SelectorWait returns how long to wait for the selector to appear.
func (c Config) SelectorWait() time.Duration {
	return time.Duration(c.WaitForSelectorTimeout) * time.Millisecond
}

// Delay returns the inter-page throttle delay, zero when throttling is off.
func (c Config) Delay() time.Duration {
	if !c.Throttle {
		return 0
	}
	return time.Duration(c.RequestDelay) * time.Millisecond
}

// HandlerTimeout bounds one invocation of the capture handler.
func (c Config) HandlerTimeout() time.Duration {
	return time.Duration(c.RequestHandlerTimeoutSecs) * time.Second
}

// NavigationTimeout bounds one page navigation attempt.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.NavigationTimeoutSecs) * time.Second
}

// MaxBytes returns the combined-file byte ceiling, zero when unbounded.
func (c Config) MaxBytes() int {
	return c.MaxFileSize * 1024 * 1024
}

// OpenPagesPerBrowser caps how many tabs one browser instance keeps open at
// once.
func (c Config) OpenPagesPerBrowser() int {
	if c.MaxOpenPagesPerBrowser < 1 {
		return 20
	}
	return c.MaxOpenPagesPerBrowser
}

// RetireAfter returns how many pages one browser instance serves before it is
// swapped for a fresh process.
func (c Config) RetireAfter() int {
	if c.RetireInstanceAfterRequestCount < 1 {
		return 100
	}
	return c.RetireInstanceAfterRequestCount
}

// OutputStem returns the output file name without its extension. It names
// both the combined output segments and the per-page subfolder.
func (c Config) OutputStem() string {
	name := c.OutputFileName
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Validate checks the crawl configuration before any run starts. Invalid
// configuration aborts immediately with a descriptive error.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("crawl.url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("crawl.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("crawl.url must use http or https, got %q", u.Scheme)
	}
	if len(c.Match) == 0 {
		return fmt.Errorf("crawl.match requires at least one pattern")
	}
	switch c.Engine {
	case "", EngineBrowser, EngineStatic:
	default:
		return fmt.Errorf("crawl.engine must be %q or %q, got %q", EngineBrowser, EngineStatic, c.Engine)
	}
	if c.MaxPagesToCrawl < 0 {
		return fmt.Errorf("crawl.maxPagesToCrawl must not be negative")
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("crawl.maxFileSize must not be negative")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("crawl.maxTokens must not be negative")
	}
	if c.WaitForSelectorTimeout < 0 {
		return fmt.Errorf("crawl.waitForSelectorTimeout must not be negative")
	}
	if c.RequestDelay < 0 {
		return fmt.Errorf("crawl.requestDelay must not be negative")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("crawl.maxConcurrency must be at least 1")
	}
	if c.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("crawl.maxRequestsPerMinute must not be negative")
	}
	if c.MaxOpenPagesPerBrowser < 0 {
		return fmt.Errorf("crawl.maxOpenPagesPerBrowser must not be negative")
	}
	if c.RetireInstanceAfterRequestCount < 0 {
		return fmt.Errorf("crawl.retireInstanceAfterRequestCount must not be negative")
	}
	if c.MaxRequestRetries < 0 {
		return fmt.Errorf("crawl.maxRequestRetries must not be negative")
	}
	if c.OutputFileName == "" {
		return fmt.Errorf("crawl.outputFileName is required")
	}
	if strings.ContainsRune(c.OutputFileName, filepath.Separator) {
		return fmt.Errorf("crawl.outputFileName must be a bare file name, got %q", c.OutputFileName)
	}
	return nil
}
