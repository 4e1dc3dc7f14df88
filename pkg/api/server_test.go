package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/odvcencio/chauffeur/pkg/browser"
	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
	"github.com/odvcencio/chauffeur/pkg/extract"
	"github.com/odvcencio/chauffeur/pkg/logging"
	"github.com/odvcencio/chauffeur/pkg/storage"
)

// stubController records calls and returns canned data.
type stubController struct {
	mu sync.Mutex

	targets  []browser.TargetInfo
	snap     *browser.Snapshot
	lastSnap *browser.Snapshot

	navigateErr error
	clickErr    error
	evalResult  string

	lastURL     string
	lastRef     browser.ElementRef
	lastText    string
	lastCombo   string
	lastExtract extract.Options
	lastFormat  string
}

func (s *stubController) ListTargets() []browser.TargetInfo { return s.targets }

func (s *stubController) Current() (browser.TargetInfo, error) {
	if len(s.targets) == 0 {
		return browser.TargetInfo{}, apperrors.New(apperrors.ErrCodeInvalidOperation, "no current target")
	}
	return s.targets[0], nil
}

func (s *stubController) SetCurrent(id target.ID) error { return nil }

func (s *stubController) CreateTarget(ctx context.Context, url string) (target.ID, error) {
	s.mu.Lock()
	s.lastURL = url
	s.mu.Unlock()
	return "T-NEW", nil
}

func (s *stubController) CloseTarget(ctx context.Context, id target.ID) error { return nil }

func (s *stubController) Navigate(ctx context.Context, id target.ID, url string) error {
	s.mu.Lock()
	s.lastURL = url
	s.mu.Unlock()
	return s.navigateErr
}

func (s *stubController) Back(ctx context.Context, id target.ID) error    { return nil }
func (s *stubController) Forward(ctx context.Context, id target.ID) error { return nil }
func (s *stubController) Reload(ctx context.Context, id target.ID) error  { return nil }

func (s *stubController) History(ctx context.Context, id target.ID) ([]*page.NavigationEntry, int64, error) {
	return []*page.NavigationEntry{{ID: 1, URL: "https://one.test/"}}, 0, nil
}

func (s *stubController) PageInfo(ctx context.Context, id target.ID) (string, string, error) {
	return "https://one.test/", "One", nil
}

func (s *stubController) Snapshot(ctx context.Context, id target.ID) (*browser.Snapshot, error) {
	if s.snap == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidOperation, "unknown target %s", id)
	}
	return s.snap, nil
}

func (s *stubController) LastSnapshot(id target.ID) (*browser.Snapshot, error) {
	if s.lastSnap == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidOperation, "no live snapshot for target %s", id)
	}
	return s.lastSnap, nil
}

func (s *stubController) Click(ctx context.Context, id target.ID, ref browser.ElementRef, opts *browser.ClickOptions) error {
	s.mu.Lock()
	s.lastRef = ref
	s.mu.Unlock()
	return s.clickErr
}

func (s *stubController) Fill(ctx context.Context, id target.ID, ref browser.ElementRef, text string, opts *browser.FillOptions) error {
	s.mu.Lock()
	s.lastRef = ref
	s.lastText = text
	s.mu.Unlock()
	return nil
}

func (s *stubController) Hover(ctx context.Context, id target.ID, ref browser.ElementRef) error {
	s.mu.Lock()
	s.lastRef = ref
	s.mu.Unlock()
	return nil
}

func (s *stubController) Press(ctx context.Context, id target.ID, combo string) error {
	s.mu.Lock()
	s.lastCombo = combo
	s.mu.Unlock()
	return nil
}

func (s *stubController) Scroll(ctx context.Context, id target.ID, ref *browser.ElementRef, dir browser.ScrollDirection, pages float64) error {
	return nil
}

func (s *stubController) SelectOption(ctx context.Context, id target.ID, ref browser.ElementRef, values []string) error {
	return nil
}

func (s *stubController) SetChecked(ctx context.Context, id target.ID, ref browser.ElementRef, checked bool) error {
	return nil
}

func (s *stubController) Evaluate(ctx context.Context, id target.ID, fn string, args ...any) (string, error) {
	if s.evalResult == "" {
		return "null", nil
	}
	return s.evalResult, nil
}

func (s *stubController) ExtractText(ctx context.Context, id target.ID, opts extract.Options) (*extract.Result, error) {
	s.mu.Lock()
	s.lastExtract = opts
	s.mu.Unlock()
	return &extract.Result{Title: "One", Text: "hello"}, nil
}

func (s *stubController) CaptureScreenshot(ctx context.Context, id target.ID, opts *browser.ScreenshotOptions) ([]byte, error) {
	s.mu.Lock()
	s.lastFormat = opts.Format
	s.mu.Unlock()
	return []byte("IMAGE"), nil
}

func (s *stubController) PrintPDF(ctx context.Context, id target.ID, landscape bool) ([]byte, error) {
	return []byte("%PDF-1.4"), nil
}

func (s *stubController) ConsoleTail(id target.ID, n int) ([]browser.ConsoleEntry, error) {
	return []browser.ConsoleEntry{{Level: "log", Text: "hi", At: time.Now()}}, nil
}

func (s *stubController) Cookies(ctx context.Context, id target.ID) ([]browser.Cookie, error) {
	return []browser.Cookie{{Name: "sid", Value: "1"}}, nil
}

func (s *stubController) ClearCookies(ctx context.Context, id target.ID) error { return nil }

func (s *stubController) SetViewport(ctx context.Context, id target.ID, width, height int64, scale float64, mobile bool) error {
	return nil
}

func newTestServer(t *testing.T, ctrl Controller, store HistoryStore) *httptest.Server {
	t.Helper()
	srv := NewServer(ServerConfig{
		Controller: ctrl,
		Store:      store,
		Hub:        NewHub(),
		Logger:     logging.Discard(),
		Version:    "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &stubController{}, nil)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "ok" || got["version"] != "test" {
		t.Errorf("body = %v", got)
	}
}

func TestListTargets(t *testing.T) {
	stub := &stubController{targets: []browser.TargetInfo{
		{ID: "T1", URL: "https://one.test/", Title: "One", Attached: true, Current: true},
	}}
	ts := newTestServer(t, stub, nil)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/targets", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got []browser.TargetInfo
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].ID != "T1" {
		t.Errorf("targets = %+v", got)
	}
}

func TestOpenTargetDefaultsToBlankPage(t *testing.T) {
	stub := &stubController{}
	ts := newTestServer(t, stub, nil)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/targets", map[string]string{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if stub.lastURL != "about:blank" {
		t.Errorf("opened url = %q, want about:blank", stub.lastURL)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["id"] != "T-NEW" {
		t.Errorf("id = %q", got["id"])
	}
}

func TestNavigateValidatesURL(t *testing.T) {
	stub := &stubController{}
	ts := newTestServer(t, stub, nil)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/v1/targets/T1/navigate", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty url status = %d, want 400", resp.StatusCode)
	}

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/targets/T1/navigate",
		map[string]string{"url": "https://two.test/"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if stub.lastURL != "https://two.test/" {
		t.Errorf("navigated to %q", stub.lastURL)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["url"] != "https://one.test/" || got["title"] != "One" {
		t.Errorf("page info = %v", got)
	}
}

func TestClickBorrowsLastSnapshotGeneration(t *testing.T) {
	stub := &stubController{
		lastSnap: &browser.Snapshot{TargetID: "T1", Generation: 7},
	}
	ts := newTestServer(t, stub, nil)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/targets/T1/click",
		map[string]int{"index": 3})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if stub.lastRef.Index != 3 || stub.lastRef.Generation != 7 {
		t.Errorf("ref = %+v, want index 3 generation 7", stub.lastRef)
	}
}

func TestClickWithoutSnapshotIsNotFound(t *testing.T) {
	ts := newTestServer(t, &stubController{}, nil)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/targets/T1/click",
		map[string]int{"index": 3})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, body %s, want 404", resp.StatusCode, body)
	}
}

func TestClickStaleIndexMapsToConflict(t *testing.T) {
	stub := &stubController{
		lastSnap: &browser.Snapshot{TargetID: "T1", Generation: 7},
		clickErr: apperrors.New(apperrors.ErrCodeStaleIndex, "element index 3 is stale"),
	}
	ts := newTestServer(t, stub, nil)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/targets/T1/click",
		map[string]int{"index": 3, "generation": 7})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["code"] != "STALE_INDEX" {
		t.Errorf("code = %q", got["code"])
	}
}

func TestPressValidatesKeys(t *testing.T) {
	stub := &stubController{}
	ts := newTestServer(t, stub, nil)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/v1/targets/T1/press", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/v1/targets/T1/press",
		map[string]string{"keys": "Control+Enter"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if stub.lastCombo != "Control+Enter" {
		t.Errorf("combo = %q", stub.lastCombo)
	}
}

func TestEvaluatePassesResultThrough(t *testing.T) {
	stub := &stubController{evalResult: `{"sum":3}`}
	ts := newTestServer(t, stub, nil)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/targets/T1/eval",
		map[string]string{"expression": "1+2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var got struct {
		Result struct {
			Sum int `json:"sum"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Result.Sum != 3 {
		t.Errorf("result = %s", body)
	}
}

func TestTextPassesOptions(t *testing.T) {
	stub := &stubController{}
	ts := newTestServer(t, stub, nil)

	resp, body := doRequest(t, http.MethodGet,
		ts.URL+"/api/v1/targets/T1/text?selector=main&links=true&maxChars=500", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if stub.lastExtract.Selector != "main" || !stub.lastExtract.IncludeLinks || stub.lastExtract.MaxChars != 500 {
		t.Errorf("options = %+v", stub.lastExtract)
	}
	if !strings.Contains(string(body), "hello") {
		t.Errorf("body = %s", body)
	}
}

func TestScreenshotContentType(t *testing.T) {
	stub := &stubController{}
	ts := newTestServer(t, stub, nil)

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/targets/T1/screenshot", nil)
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("default content type = %q", ct)
	}

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/v1/targets/T1/screenshot?format=jpeg", nil)
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("jpeg content type = %q", ct)
	}
	if stub.lastFormat != "jpeg" {
		t.Errorf("format = %q", stub.lastFormat)
	}

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/v1/targets/T1/screenshot?format=webp", nil)
	if ct := resp.Header.Get("Content-Type"); ct != "image/webp" {
		t.Errorf("webp content type = %q", ct)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "recorder.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	if err := store.StartRun(ctx, "run-1", "ws://localhost:9222", "test"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	err = store.RecordCommand(ctx, browser.CommandRecord{
		RunID: "run-1", CommandID: "c1", TargetID: "T1",
		Action: "click", Status: "ok", Attempts: 1, At: time.Now(),
	})
	if err != nil {
		t.Fatalf("record command: %v", err)
	}
	w := storage.NewEventWriter(store, "run-1", logging.Discard())
	w.PublishTargetEvent(browser.TargetEvent{Kind: "navigated", TargetID: "T1", URL: "https://one.test/", At: time.Now()})
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	ts := newTestServer(t, &stubController{}, store)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/runs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("runs status = %d", resp.StatusCode)
	}
	var runs []storage.Run
	if err := json.Unmarshal(body, &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Commands != 1 {
		t.Errorf("runs = %+v", runs)
	}

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/api/v1/history/commands?target=T1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commands status = %d", resp.StatusCode)
	}
	var records []browser.CommandRecord
	if err := json.Unmarshal(body, &records); err != nil {
		t.Fatalf("unmarshal commands: %v", err)
	}
	if len(records) != 1 || records[0].Action != "click" {
		t.Errorf("records = %+v", records)
	}

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/api/v1/history/events?kind=navigated", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	var rows []storage.TargetEventRow
	if err := json.Unmarshal(body, &rows); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(rows) != 1 || rows[0].URL != "https://one.test/" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestHistoryWithoutStoreIsUnavailable(t *testing.T) {
	ts := newTestServer(t, &stubController{}, nil)

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/runs", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
