package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitestitch/sitestitch/internal/crawler"
	datasetmem "github.com/sitestitch/sitestitch/internal/dataset/memory"
	"github.com/sitestitch/sitestitch/internal/progress"
	publishermem "github.com/sitestitch/sitestitch/internal/publisher/memory"
	"github.com/sitestitch/sitestitch/internal/session"
	storagemem "github.com/sitestitch/sitestitch/internal/storage/memory"
)

const testSessionID = "0191e4a2-12cd-7def-8123-456789abcdef"

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type stubPage struct {
	url   string
	title string
	text  string
}

func (p *stubPage) URL() string                               { return p.url }
func (p *stubPage) Title(context.Context) (string, error)     { return p.title, nil }
func (p *stubPage) EnqueueLinks(context.Context, []string, []string) error { return nil }

func (p *stubPage) WaitAndExtract(_ context.Context, _ string, _ time.Duration) (string, error) {
	return p.text, nil
}

// stubEngine feeds scripted pages to the handler, the way an engine feeds
// loaded documents.
type stubEngine struct {
	pages []stubPage
	err   error

	mu    sync.Mutex
	seeds []string
}

func (e *stubEngine) Run(ctx context.Context, seeds []string, handler crawler.Handler) error {
	e.mu.Lock()
	e.seeds = append([]string(nil), seeds...)
	e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	for i := range e.pages {
		_ = handler.HandlePage(ctx, &e.pages[i])
	}
	return nil
}

func (e *stubEngine) seenSeeds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seeds...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func testConfig() crawler.Config {
	return crawler.Config{
		URL:             "https://docs.example.com/guide/intro",
		Match:           []string{"https://docs.example.com/guide/**"},
		MaxPagesToCrawl: 10,
		OutputFileName:  "output.json",
		MaxConcurrency:  1,
	}
}

func TestRunFullPipeline(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{pages: []stubPage{
		{url: "https://docs.example.com/guide/intro", title: "Intro", text: "welcome"},
		{url: "https://docs.example.com/guide/setup", title: "Setup", text: "install"},
	}}
	dataset := datasetmem.New()
	blobs := storagemem.NewBlobStore()
	notifier := publishermem.New()
	emitter := &recordingEmitter{}
	outputDir := t.TempDir()

	sess, err := session.New(session.Options{
		Config:       testConfig(),
		OutputDir:    outputDir,
		Engine:       engine,
		Dataset:      dataset,
		Uploader:     blobs,
		UploadPrefix: "crawls",
		Notifier:     notifier,
		NotifyTopic:  "crawl-done",
		Emitter:      emitter,
		IDs:          fixedIDs{id: testSessionID},
	})
	require.NoError(t, err)

	res, err := sess.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, testSessionID, res.SessionID)
	require.EqualValues(t, 2, res.Pages)
	require.Equal(t, 2, res.Records)
	require.Len(t, res.Files, 1)
	require.Equal(t, filepath.Join(outputDir, "output-1.json"), res.FinalPath)

	var written []crawler.PageRecord
	data, err := os.ReadFile(res.FinalPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &written))
	require.Len(t, written, 2)
	require.Equal(t, "Intro", written[0].Title)
	require.Equal(t, "Setup", written[1].Title)

	require.Equal(t, []string{"memory://crawls/" + testSessionID + "/output-1.json"}, res.URIs)
	obj, ok := blobs.Object("crawls/" + testSessionID + "/output-1.json")
	require.True(t, ok)
	require.Equal(t, "application/json", obj.ContentType)
	require.Equal(t, data, obj.Data)

	msgs := notifier.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "crawl-done", msgs[0].Topic)
	payload, err := json.Marshal(msgs[0].Payload)
	require.NoError(t, err)
	require.Contains(t, string(payload), `"sessionId":"`+testSessionID+`"`)
	require.Contains(t, string(payload), `"pages":2`)

	require.Equal(t, []progress.Stage{
		progress.StageSessionStart,
		progress.StagePageDone,
		progress.StagePageDone,
		progress.StageBatchFlush,
		progress.StageUploadDone,
		progress.StageSessionDone,
	}, emitter.stages())
}

func TestRunSkipCrawlConsolidatesExistingRecords(t *testing.T) {
	t.Parallel()

	dataset := datasetmem.New()
	require.NoError(t, dataset.Push(context.Background(), crawler.PageRecord{
		Title: "Earlier", URL: "https://docs.example.com/guide/earlier", HTML: "old text",
	}))
	emitter := &recordingEmitter{}

	sess, err := session.New(session.Options{
		Config:    testConfig(),
		OutputDir: t.TempDir(),
		Dataset:   dataset,
		Emitter:   emitter,
		IDs:       fixedIDs{id: testSessionID},
		SkipCrawl: true,
	})
	require.NoError(t, err)

	res, err := sess.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Pages)
	require.Equal(t, 1, res.Records)
	require.Len(t, res.Files, 1)

	require.Equal(t, []progress.Stage{
		progress.StageSessionStart,
		progress.StageBatchFlush,
		progress.StageSessionDone,
	}, emitter.stages())
}

func TestRunPerPageDisabledCreatesNoPagesTree(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{pages: []stubPage{
		{url: "https://docs.example.com/guide/intro", title: "Intro", text: "welcome"},
		{url: "https://docs.example.com/guide/setup", title: "Setup", text: "install"},
	}}
	outputDir := t.TempDir()

	sess, err := session.New(session.Options{
		Config:    testConfig(),
		OutputDir: outputDir,
		Engine:    engine,
		Dataset:   datasetmem.New(),
		IDs:       fixedIDs{id: testSessionID},
	})
	require.NoError(t, err)

	res, err := sess.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Pages)

	require.NoDirExists(t, filepath.Join(outputDir, "pages"))
}

func TestRunPerPageEnabledWritesDerivedFiles(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{pages: []stubPage{
		{url: "https://docs.example.com/guide/intro", title: "Intro", text: "welcome"},
		{url: "https://docs.example.com/guide/setup", title: "Setup", text: "install"},
	}}
	outputDir := t.TempDir()
	cfg := testConfig()
	cfg.SavePerPage = true

	sess, err := session.New(session.Options{
		Config:    cfg,
		OutputDir: outputDir,
		Engine:    engine,
		Dataset:   datasetmem.New(),
		IDs:       fixedIDs{id: testSessionID},
	})
	require.NoError(t, err)

	_, err = sess.Run(context.Background())
	require.NoError(t, err)

	// Subfolder is the output file stem; file names come from the match
	// pattern's captured path.
	pagesDir := filepath.Join(outputDir, "pages", "output")
	require.FileExists(t, filepath.Join(pagesDir, "intro.json"))
	require.FileExists(t, filepath.Join(pagesDir, "setup.json"))

	data, err := os.ReadFile(filepath.Join(pagesDir, "intro.json"))
	require.NoError(t, err)
	var rec crawler.PageRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, "Intro", rec.Title)
	require.Equal(t, "https://docs.example.com/guide/intro", rec.URL)
}

func TestRunCrawlFailureEmitsSessionError(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	sess, err := session.New(session.Options{
		Config:  testConfig(),
		Engine:  &stubEngine{err: errors.New("browser crashed")},
		Dataset: datasetmem.New(),
		Emitter: emitter,
		IDs:     fixedIDs{id: testSessionID},
	})
	require.NoError(t, err)

	res, err := sess.Run(context.Background())
	require.ErrorContains(t, err, "crawl phase")
	require.Equal(t, testSessionID, res.SessionID)

	stages := emitter.stages()
	require.Contains(t, stages, progress.StageSessionError)
	require.NotContains(t, stages, progress.StageSessionDone)
}

func TestRunUploadFailureFailsSession(t *testing.T) {
	t.Parallel()

	blobs := storagemem.NewBlobStore()
	blobs.FailWith(errors.New("bucket offline"))
	notifier := publishermem.New()
	emitter := &recordingEmitter{}

	sess, err := session.New(session.Options{
		Config:    testConfig(),
		OutputDir: t.TempDir(),
		Engine: &stubEngine{pages: []stubPage{
			{url: "https://docs.example.com/guide/intro", title: "Intro", text: "welcome"},
		}},
		Dataset:  datasetmem.New(),
		Uploader: blobs,
		Notifier: notifier,
		Emitter:  emitter,
		IDs:      fixedIDs{id: testSessionID},
	})
	require.NoError(t, err)

	_, err = sess.Run(context.Background())
	require.ErrorContains(t, err, "upload")
	require.Empty(t, notifier.Messages(), "no completion message for a failed session")
	require.Contains(t, emitter.stages(), progress.StageSessionError)
}

func TestRunNotifyFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	notifier := publishermem.New()
	notifier.FailWith(errors.New("broker unavailable"))
	emitter := &recordingEmitter{}

	sess, err := session.New(session.Options{
		Config:    testConfig(),
		OutputDir: t.TempDir(),
		Engine: &stubEngine{pages: []stubPage{
			{url: "https://docs.example.com/guide/intro", title: "Intro", text: "welcome"},
		}},
		Dataset:     datasetmem.New(),
		Notifier:    notifier,
		NotifyTopic: "crawl-done",
		Emitter:     emitter,
		IDs:         fixedIDs{id: testSessionID},
	})
	require.NoError(t, err)

	_, err = sess.Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, emitter.stages(), progress.StageSessionDone)
}

func TestRunExpandsSitemapSeeds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<urlset>
  <url><loc>https://docs.example.com/guide/intro</loc></url>
  <url><loc>https://docs.example.com/guide/setup</loc></url>
</urlset>`)
	}))
	defer srv.Close()

	engine := &stubEngine{}
	cfg := testConfig()
	cfg.URL = srv.URL + "/sitemap.xml"

	sess, err := session.New(session.Options{
		Config:    cfg,
		OutputDir: t.TempDir(),
		Engine:    engine,
		Dataset:   datasetmem.New(),
		IDs:       fixedIDs{id: testSessionID},
	})
	require.NoError(t, err)

	_, err = sess.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://docs.example.com/guide/intro",
		"https://docs.example.com/guide/setup",
	}, engine.seenSeeds())
}

func TestNewValidatesWiring(t *testing.T) {
	t.Parallel()

	_, err := session.New(session.Options{Config: testConfig()})
	require.ErrorContains(t, err, "dataset is required")

	_, err = session.New(session.Options{Config: testConfig(), Dataset: datasetmem.New()})
	require.ErrorContains(t, err, "engine is required")

	_, err = session.New(session.Options{
		Config:  crawler.Config{},
		Engine:  &stubEngine{},
		Dataset: datasetmem.New(),
	})
	require.ErrorContains(t, err, "crawl.url")
}
