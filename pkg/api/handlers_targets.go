package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/chromedp/cdproto/target"
	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/chauffeur/pkg/browser"
	"github.com/odvcencio/chauffeur/pkg/extract"
)

func targetID(r *http.Request) target.ID {
	return target.ID(chi.URLParam(r, "id"))
}

// decodeBody tolerates an empty body so commands with all-default
// parameters work from a bare curl.
func decodeBody(r *http.Request, into any) error {
	err := json.NewDecoder(r.Body).Decode(into)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// refRequest is the JSON shape commands use to address an element.
type refRequest struct {
	Index      int    `json:"index"`
	Generation uint64 `json:"generation,omitempty"`
}

// resolveRef pins an index to a snapshot generation. Requests that omit
// the generation borrow the last snapshot's, so hand-driven curl
// sessions do not have to echo it back.
func (s *Server) resolveRef(id target.ID, req refRequest) (browser.ElementRef, error) {
	if req.Generation != 0 {
		return browser.ElementRef{Index: req.Index, Generation: req.Generation}, nil
	}
	snap, err := s.ctrl.LastSnapshot(id)
	if err != nil {
		return browser.ElementRef{}, err
	}
	return snap.Ref(req.Index), nil
}

// Target registry handlers

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.ListTargets())
}

func (s *Server) handleCurrentTarget(w http.ResponseWriter, r *http.Request) {
	info, err := s.ctrl.Current()
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type openTargetRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleOpenTarget(w http.ResponseWriter, r *http.Request) {
	var req openTargetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.URL == "" {
		req.URL = "about:blank"
	}
	id, err := s.ctrl.CreateTarget(r.Context(), req.URL)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": string(id)})
}

func (s *Server) handleCloseTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.CloseTarget(r.Context(), targetID(r)); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleActivateTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.SetCurrent(targetID(r)); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

// Navigation handlers

type navigateRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := s.ctrl.Navigate(r.Context(), targetID(r), req.URL); err != nil {
		writeAppError(w, err)
		return
	}
	s.writePageInfo(w, r, targetID(r))
}

func (s *Server) handleBack(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Back(r.Context(), targetID(r)); err != nil {
		writeAppError(w, err)
		return
	}
	s.writePageInfo(w, r, targetID(r))
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Forward(r.Context(), targetID(r)); err != nil {
		writeAppError(w, err)
		return
	}
	s.writePageInfo(w, r, targetID(r))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Reload(r.Context(), targetID(r)); err != nil {
		writeAppError(w, err)
		return
	}
	s.writePageInfo(w, r, targetID(r))
}

// writePageInfo reports where a navigation command landed.
func (s *Server) writePageInfo(w http.ResponseWriter, r *http.Request, id target.ID) {
	url, title, err := s.ctrl.PageInfo(r.Context(), id)
	if err != nil {
		// The navigation itself succeeded.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url, "title": title})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, current, err := s.ctrl.History(r.Context(), targetID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":      entries,
		"currentIndex": current,
	})
}

// Snapshot and element command handlers

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := targetID(r)
	if queryBool(r, "cached") {
		snap, err := s.ctrl.LastSnapshot(id)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		// Fall through and take a fresh one.
	}
	snap, err := s.ctrl.Snapshot(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type clickRequest struct {
	refRequest
	Button     string   `json:"button,omitempty"`
	ClickCount int      `json:"clickCount,omitempty"`
	Modifiers  []string `json:"modifiers,omitempty"`
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	id := targetID(r)
	var req clickRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ref, err := s.resolveRef(id, req.refRequest)
	if err != nil {
		writeAppError(w, err)
		return
	}
	opts := &browser.ClickOptions{
		Button:     browser.MouseButton(req.Button),
		ClickCount: req.ClickCount,
		Modifiers:  req.Modifiers,
	}
	if err := s.ctrl.Click(r.Context(), id, ref, opts); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fillRequest struct {
	refRequest
	Text    string `json:"text"`
	PerChar bool   `json:"perChar,omitempty"`
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	id := targetID(r)
	var req fillRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ref, err := s.resolveRef(id, req.refRequest)
	if err != nil {
		writeAppError(w, err)
		return
	}
	opts := &browser.FillOptions{PerChar: req.PerChar}
	if err := s.ctrl.Fill(r.Context(), id, ref, req.Text, opts); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHover(w http.ResponseWriter, r *http.Request) {
	id := targetID(r)
	var req refRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ref, err := s.resolveRef(id, req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.ctrl.Hover(r.Context(), id, ref); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pressRequest struct {
	Keys string `json:"keys"`
}

func (s *Server) handlePress(w http.ResponseWriter, r *http.Request) {
	var req pressRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Keys == "" {
		writeError(w, http.StatusBadRequest, "keys is required")
		return
	}
	if err := s.ctrl.Press(r.Context(), targetID(r), req.Keys); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scrollRequest struct {
	Direction string `json:"direction"`
	// Pages is the scroll distance in viewport-relative units; zero means
	// most of one viewport.
	Pages      float64 `json:"pages,omitempty"`
	Index      *int    `json:"index,omitempty"`
	Generation uint64  `json:"generation,omitempty"`
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	id := targetID(r)
	var req scrollRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	var ref *browser.ElementRef
	if req.Index != nil {
		resolved, err := s.resolveRef(id, refRequest{Index: *req.Index, Generation: req.Generation})
		if err != nil {
			writeAppError(w, err)
			return
		}
		ref = &resolved
	}
	dir := browser.ScrollDirection(req.Direction)
	if dir == "" {
		dir = browser.ScrollDown
	}
	if err := s.ctrl.Scroll(r.Context(), id, ref, dir, req.Pages); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type selectRequest struct {
	refRequest
	Values []string `json:"values"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	id := targetID(r)
	var req selectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ref, err := s.resolveRef(id, req.refRequest)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.ctrl.SelectOption(r.Context(), id, ref, req.Values); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type checkRequest struct {
	refRequest
	Checked bool `json:"checked"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	id := targetID(r)
	var req checkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ref, err := s.resolveRef(id, req.refRequest)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.ctrl.SetChecked(r.Context(), id, ref, req.Checked); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type evalRequest struct {
	Expression string `json:"expression"`
	Args       []any  `json:"args,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Expression == "" {
		writeError(w, http.StatusBadRequest, "expression is required")
		return
	}
	result, err := s.ctrl.Evaluate(r.Context(), targetID(r), req.Expression, req.Args...)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if result == "" {
		result = "null"
	}
	// String results from the page come back unquoted.
	var payload any = result
	if json.Valid([]byte(result)) {
		payload = json.RawMessage(result)
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": payload})
}

// Content handlers

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	opts := extract.Options{
		Selector:     r.URL.Query().Get("selector"),
		IncludeLinks: queryBool(r, "links"),
		MaxChars:     queryInt(r, "maxChars", 0),
		MaxLinks:     queryInt(r, "maxLinks", 0),
	}
	res, err := s.ctrl.ExtractText(r.Context(), targetID(r), opts)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	id := targetID(r)
	opts := &browser.ScreenshotOptions{
		Format:   r.URL.Query().Get("format"),
		Quality:  queryInt(r, "quality", 0),
		FullPage: queryBool(r, "fullPage"),
	}
	if raw := r.URL.Query().Get("index"); raw != "" {
		index, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid index")
			return
		}
		ref, err := s.resolveRef(id, refRequest{Index: index})
		if err != nil {
			writeAppError(w, err)
			return
		}
		opts.Clip = &ref
	}
	data, err := s.ctrl.CaptureScreenshot(r.Context(), id, opts)
	if err != nil {
		writeAppError(w, err)
		return
	}
	contentType := "image/png"
	switch opts.Format {
	case "jpeg":
		contentType = "image/jpeg"
	case "webp":
		contentType = "image/webp"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handlePDF(w http.ResponseWriter, r *http.Request) {
	data, err := s.ctrl.PrintPDF(r.Context(), targetID(r), queryBool(r, "landscape"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ctrl.ConsoleTail(targetID(r), queryInt(r, "n", 50))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCookies(w http.ResponseWriter, r *http.Request) {
	cookies, err := s.ctrl.Cookies(r.Context(), targetID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cookies)
}

func (s *Server) handleClearCookies(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ClearCookies(r.Context(), targetID(r)); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type viewportRequest struct {
	Width  int64   `json:"width"`
	Height int64   `json:"height"`
	Scale  float64 `json:"scale,omitempty"`
	Mobile bool    `json:"mobile,omitempty"`
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Width <= 0 || req.Height <= 0 {
		writeError(w, http.StatusBadRequest, "width and height are required")
		return
	}
	if err := s.ctrl.SetViewport(r.Context(), targetID(r), req.Width, req.Height, req.Scale, req.Mobile); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
