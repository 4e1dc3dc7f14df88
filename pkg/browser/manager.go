package browser

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/chauffeur/pkg/cdp"
	"github.com/odvcencio/chauffeur/pkg/config"
	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
	"github.com/odvcencio/chauffeur/pkg/logging"
)

// tab is the registry's state for one page target.
type tab struct {
	id       target.ID
	url      string
	title    string
	session  target.SessionID
	attached bool
	crashed  bool
	index    elementIndex

	consoleMu sync.Mutex
	console   []ConsoleEntry
}

// Browser owns one DevTools connection and the registry of page targets
// behind it. The registry is mutated only by protocol events: command
// methods ask for changes and then wait for the matching event to land.
type Browser struct {
	client *cdp.Client
	cfg    *config.Config
	logger *logging.Logger

	rec  Recorder
	sink EventSink

	mu       sync.Mutex
	targets  map[target.ID]*tab
	order    []target.ID
	sessions map[target.SessionID]target.ID
	current  target.ID
	notify   chan struct{}

	snapGroup singleflight.Group
	events    *cdp.Subscription
	pumpDone  chan struct{}
}

// Connect dials the configured endpoint, starts event-driven target
// discovery and attaches to every existing page target with a flat session.
func Connect(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Browser, error) {
	dialCtx := ctx
	if cfg.Endpoint.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Endpoint.ConnectTimeout)
		defer cancel()
	}

	client, err := cdp.Dial(dialCtx, cfg.Endpoint.URL, cdp.Options{
		CallTimeout:    cfg.Transport.CallTimeout,
		CommandsPerSec: cfg.Transport.CommandsPerSec,
		EventBuffer:    cfg.Transport.EventBuffer,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	b := &Browser{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		targets:  make(map[target.ID]*tab),
		sessions: make(map[target.SessionID]target.ID),
		notify:   make(chan struct{}),
		pumpDone: make(chan struct{}),
	}

	b.events = client.Subscribe(
		"Target.attachedToTarget",
		"Target.detachedFromTarget",
		"Target.targetCreated",
		"Target.targetDestroyed",
		"Target.targetInfoChanged",
		"Target.targetCrashed",
		"Inspector.targetCrashed",
		"Page.frameNavigated",
		"Page.navigatedWithinDocument",
		"Page.javascriptDialogOpening",
		"Runtime.consoleAPICalled",
	)
	go b.pump()

	if err := b.bootstrap(dialCtx); err != nil {
		_ = client.Close()
		<-b.pumpDone
		return nil, err
	}
	return b, nil
}

// bootstrap turns on discovery and auto-attach, then attaches the page
// targets that already existed before we connected.
func (b *Browser) bootstrap(ctx context.Context) error {
	if err := b.client.Call(ctx, "", "Target.setDiscoverTargets",
		&target.SetDiscoverTargetsParams{Discover: true}, nil); err != nil {
		return err
	}
	if err := b.client.Call(ctx, "", "Target.setAutoAttach",
		&target.SetAutoAttachParams{AutoAttach: true, WaitForDebuggerOnStart: false, Flatten: true}, nil); err != nil {
		return err
	}

	var res target.GetTargetsReturns
	if err := b.client.Call(ctx, "", "Target.getTargets", nil, &res); err != nil {
		return err
	}

	var wanted []target.ID
	for _, info := range res.TargetInfos {
		if info.Type != "page" {
			continue
		}
		wanted = append(wanted, info.TargetID)
		if err := b.client.Call(ctx, "", "Target.attachToTarget",
			&target.AttachToTargetParams{TargetID: info.TargetID, Flatten: true}, nil); err != nil {
			b.logger.Warn(logging.CategoryTarget, "attach_failed", "could not attach existing target", map[string]any{
				"targetId": string(info.TargetID),
				"error":    err.Error(),
			})
		}
	}

	if len(wanted) == 0 {
		return nil
	}
	err := b.waitFor(ctx, func() bool {
		for _, id := range wanted {
			t, ok := b.targets[id]
			if !ok || !t.attached {
				return false
			}
		}
		return true
	})
	if err != nil {
		// A wedged tab should not block the whole connection; whatever
		// attached is usable.
		b.logger.Warn(logging.CategoryTarget, "bootstrap_partial", "not all existing targets attached", map[string]any{
			"error": err.Error(),
		})
	}
	return nil
}

// Close tears down the connection. In-flight commands fail with transport
// closed errors.
func (b *Browser) Close() error {
	err := b.client.Close()
	<-b.pumpDone
	return err
}

// SetRecorder installs a command flight recorder. Pass nil to disable.
func (b *Browser) SetRecorder(rec Recorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec = rec
}

// SetEventSink installs a registry change sink. Pass nil to disable.
func (b *Browser) SetEventSink(sink EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// waitFor blocks until cond holds or ctx ends. cond runs with the registry
// lock held and must not block.
func (b *Browser) waitFor(ctx context.Context, cond func() bool) error {
	for {
		b.mu.Lock()
		ok := cond()
		ch := b.notify
		b.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, "condition not reached")
		case <-ch:
		}
	}
}

// broadcast wakes every waitFor. Callers hold b.mu.
func (b *Browser) broadcast() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// CreateTarget opens a new page at url (about:blank when empty), waits for
// its flat session and makes it the current target.
func (b *Browser) CreateTarget(ctx context.Context, url string) (target.ID, error) {
	if url == "" {
		url = "about:blank"
	}
	var res target.CreateTargetReturns
	if err := b.client.Call(ctx, "", "Target.createTarget",
		&target.CreateTargetParams{URL: url}, &res); err != nil {
		return "", err
	}

	id := res.TargetID
	err := b.waitFor(ctx, func() bool {
		t, ok := b.targets[id]
		return ok && t.attached
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeTimeout, "created target never attached").
			WithContext("targetId", string(id))
	}

	b.mu.Lock()
	b.current = id
	b.mu.Unlock()

	b.logger.Info(logging.CategoryTarget, "created", "target created", map[string]any{
		"targetId": string(id),
		"url":      url,
	})
	return id, nil
}

// Attach ensures the target has a live session, reusing the existing one
// when present.
func (b *Browser) Attach(ctx context.Context, id target.ID) error {
	b.mu.Lock()
	t, ok := b.targets[id]
	if ok && t.attached {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	if !ok {
		return invalidOp("unknown target %s", id)
	}

	if err := b.client.Call(ctx, "", "Target.attachToTarget",
		&target.AttachToTargetParams{TargetID: id, Flatten: true}, nil); err != nil {
		return err
	}
	return b.waitFor(ctx, func() bool {
		t, ok := b.targets[id]
		return ok && t.attached
	})
}

// CloseTarget asks the browser to close a page and waits until the registry
// drops it. Closing the current target leaves no current target selected.
func (b *Browser) CloseTarget(ctx context.Context, id target.ID) error {
	b.mu.Lock()
	_, ok := b.targets[id]
	b.mu.Unlock()
	if !ok {
		return invalidOp("unknown target %s", id)
	}

	if err := b.client.Call(ctx, "", "Target.closeTarget",
		&target.CloseTargetParams{TargetID: id}, nil); err != nil {
		return err
	}
	return b.waitFor(ctx, func() bool {
		_, still := b.targets[id]
		return !still
	})
}

// ListTargets returns the registry's page targets in creation order.
func (b *Browser) ListTargets() []TargetInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TargetInfo, 0, len(b.order))
	for _, id := range b.order {
		t, ok := b.targets[id]
		if !ok {
			continue
		}
		out = append(out, TargetInfo{
			ID:       t.id,
			URL:      t.url,
			Title:    t.title,
			Attached: t.attached,
			Crashed:  t.crashed,
			Current:  id == b.current,
		})
	}
	return out
}

// SetCurrent selects the target subsequent empty-target commands act on.
func (b *Browser) SetCurrent(id target.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.targets[id]; !ok {
		return invalidOp("unknown target %s", id)
	}
	b.current = id
	return nil
}

// Current returns the current target, or an error when none is selected.
func (b *Browser) Current() (TargetInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == "" {
		return TargetInfo{}, invalidOp("no current target")
	}
	t, ok := b.targets[b.current]
	if !ok {
		return TargetInfo{}, invalidOp("no current target")
	}
	return TargetInfo{ID: t.id, URL: t.url, Title: t.title, Attached: t.attached, Crashed: t.crashed, Current: true}, nil
}

// resolveTarget maps an id to its tab, defaulting to the current target for
// the empty id.
func (b *Browser) resolveTarget(id target.ID) (*tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == "" {
		id = b.current
	}
	if id == "" {
		return nil, invalidOp("no current target")
	}
	t, ok := b.targets[id]
	if !ok {
		return nil, invalidOp("unknown target %s", id)
	}
	return t, nil
}

// sess resolves a target to a usable session, attaching on demand and
// refusing crashed targets.
func (b *Browser) sess(ctx context.Context, id target.ID) (*tab, target.SessionID, error) {
	t, err := b.resolveTarget(id)
	if err != nil {
		return nil, "", err
	}

	b.mu.Lock()
	crashed, attached, session := t.crashed, t.attached, t.session
	b.mu.Unlock()

	if crashed {
		return nil, "", invalidOp("target %s crashed", t.id)
	}
	if attached {
		return t, session, nil
	}

	if err := b.Attach(ctx, t.id); err != nil {
		return nil, "", err
	}
	b.mu.Lock()
	session = t.session
	b.mu.Unlock()
	return t, session, nil
}

// ConsoleTail returns up to n of the target's most recent console entries.
func (b *Browser) ConsoleTail(id target.ID, n int) ([]ConsoleEntry, error) {
	t, err := b.resolveTarget(id)
	if err != nil {
		return nil, err
	}
	t.consoleMu.Lock()
	defer t.consoleMu.Unlock()
	if n <= 0 || n > len(t.console) {
		n = len(t.console)
	}
	out := make([]ConsoleEntry, n)
	copy(out, t.console[len(t.console)-n:])
	return out, nil
}

// pump is the single mutation point of the registry: it applies protocol
// events until the connection closes.
func (b *Browser) pump() {
	defer close(b.pumpDone)
	for ev := range b.events.C() {
		switch ev.Method {
		case "Target.attachedToTarget":
			b.onAttached(ev.Params)
		case "Target.detachedFromTarget":
			b.onDetached(ev.Params)
		case "Target.targetCreated":
			b.onCreated(ev.Params)
		case "Target.targetDestroyed":
			b.onDestroyed(ev.Params)
		case "Target.targetInfoChanged":
			b.onInfoChanged(ev.Params)
		case "Target.targetCrashed":
			b.onCrashed(ev.Params)
		case "Inspector.targetCrashed":
			b.onSessionCrashed(ev.SessionID)
		case "Page.frameNavigated":
			b.onFrameNavigated(ev.SessionID, ev.Params)
		case "Page.navigatedWithinDocument":
			b.onNavigatedWithinDocument(ev.SessionID, ev.Params)
		case "Page.javascriptDialogOpening":
			b.onDialog(ev.SessionID, ev.Params)
		case "Runtime.consoleAPICalled":
			b.onConsole(ev.SessionID, ev.Params)
		}
	}
}

func (b *Browser) decode(params []byte, into any, what string) bool {
	if err := json.Unmarshal(params, into); err != nil {
		b.logger.Warn(logging.CategoryTarget, "bad_event", "undecodable "+what, map[string]any{
			"error": err.Error(),
		})
		return false
	}
	return true
}

func (b *Browser) onAttached(params []byte) {
	var p target.EventAttachedToTarget
	if !b.decode(params, &p, "attachedToTarget") || p.TargetInfo == nil {
		return
	}
	if p.TargetInfo.Type != "page" {
		return
	}

	b.mu.Lock()
	t, ok := b.targets[p.TargetInfo.TargetID]
	if !ok {
		t = &tab{id: p.TargetInfo.TargetID}
		b.targets[t.id] = t
		b.order = append(b.order, t.id)
	}
	t.session = p.SessionID
	t.attached = true
	t.crashed = false
	t.url = p.TargetInfo.URL
	t.title = p.TargetInfo.Title
	b.sessions[p.SessionID] = t.id
	if b.current == "" {
		b.current = t.id
	}
	b.refreshTargetGauge()
	b.broadcast()
	sink := b.sink
	b.mu.Unlock()

	b.logger.Info(logging.CategoryTarget, "attached", "session attached", map[string]any{
		"targetId":  string(t.id),
		"sessionId": string(p.SessionID),
		"url":       p.TargetInfo.URL,
	})
	b.publish(sink, TargetEvent{Kind: "attached", TargetID: string(t.id), URL: p.TargetInfo.URL, At: time.Now()})

	go b.enableSession(p.SessionID)
}

// enableSession switches on the per-session domains the rest of the layer
// depends on.
func (b *Browser) enableSession(session target.SessionID) {
	ctx := context.Background()
	for _, method := range []string{"Page.enable", "DOM.enable", "Runtime.enable", "Inspector.enable"} {
		if err := b.client.Call(ctx, string(session), method, nil, nil); err != nil {
			b.logger.Debug(logging.CategoryTarget, "enable_failed", method+" failed", map[string]any{
				"sessionId": string(session),
				"error":     err.Error(),
			})
		}
	}
}

func (b *Browser) onDetached(params []byte) {
	var p target.EventDetachedFromTarget
	if !b.decode(params, &p, "detachedFromTarget") {
		return
	}

	b.mu.Lock()
	id, ok := b.sessions[p.SessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, p.SessionID)
	t := b.targets[id]
	if t != nil && t.session == p.SessionID {
		t.session = ""
		t.attached = false
	}
	b.refreshTargetGauge()
	b.broadcast()
	sink := b.sink
	b.mu.Unlock()

	b.logger.Info(logging.CategoryTarget, "detached", "session detached", map[string]any{
		"targetId":  string(id),
		"sessionId": string(p.SessionID),
	})
	b.publish(sink, TargetEvent{Kind: "detached", TargetID: string(id), At: time.Now()})
}

func (b *Browser) onCreated(params []byte) {
	var p target.EventTargetCreated
	if !b.decode(params, &p, "targetCreated") || p.TargetInfo == nil {
		return
	}
	if p.TargetInfo.Type != "page" {
		return
	}

	b.mu.Lock()
	t, ok := b.targets[p.TargetInfo.TargetID]
	if !ok {
		t = &tab{id: p.TargetInfo.TargetID}
		b.targets[t.id] = t
		b.order = append(b.order, t.id)
	}
	t.url = p.TargetInfo.URL
	t.title = p.TargetInfo.Title
	b.broadcast()
	sink := b.sink
	b.mu.Unlock()

	if !ok {
		b.publish(sink, TargetEvent{Kind: "created", TargetID: string(p.TargetInfo.TargetID), URL: p.TargetInfo.URL, At: time.Now()})
	}
}

func (b *Browser) onDestroyed(params []byte) {
	var p target.EventTargetDestroyed
	if !b.decode(params, &p, "targetDestroyed") {
		return
	}

	b.mu.Lock()
	t, ok := b.targets[p.TargetID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.targets, p.TargetID)
	if t.session != "" {
		delete(b.sessions, t.session)
	}
	for i, id := range b.order {
		if id == p.TargetID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if b.current == p.TargetID {
		b.current = ""
	}
	b.refreshTargetGauge()
	b.broadcast()
	sink := b.sink
	b.mu.Unlock()

	b.logger.Info(logging.CategoryTarget, "destroyed", "target destroyed", map[string]any{
		"targetId": string(p.TargetID),
	})
	b.publish(sink, TargetEvent{Kind: "destroyed", TargetID: string(p.TargetID), At: time.Now()})
}

func (b *Browser) onInfoChanged(params []byte) {
	var p target.EventTargetInfoChanged
	if !b.decode(params, &p, "targetInfoChanged") || p.TargetInfo == nil {
		return
	}

	b.mu.Lock()
	if t, ok := b.targets[p.TargetInfo.TargetID]; ok {
		t.url = p.TargetInfo.URL
		t.title = p.TargetInfo.Title
	}
	b.mu.Unlock()
}

func (b *Browser) onCrashed(params []byte) {
	var p target.EventTargetCrashed
	if !b.decode(params, &p, "targetCrashed") {
		return
	}

	b.mu.Lock()
	t, ok := b.targets[p.TargetID]
	if ok {
		t.crashed = true
		t.index.invalidate()
	}
	b.broadcast()
	sink := b.sink
	b.mu.Unlock()
	if !ok {
		return
	}

	b.logger.Error(logging.CategoryTarget, "crashed", "target crashed", map[string]any{
		"targetId": string(p.TargetID),
		"status":   p.Status,
	})
	b.publish(sink, TargetEvent{Kind: "crashed", TargetID: string(p.TargetID), At: time.Now()})
}

// onSessionCrashed handles the renderer-scoped crash signal, which names
// no target; the envelope's session does.
func (b *Browser) onSessionCrashed(session string) {
	b.mu.Lock()
	id, ok := b.sessions[target.SessionID(session)]
	var t *tab
	if ok {
		t = b.targets[id]
	}
	if t != nil {
		t.crashed = true
		t.index.invalidate()
	}
	b.broadcast()
	sink := b.sink
	b.mu.Unlock()
	if t == nil {
		return
	}

	b.logger.Error(logging.CategoryTarget, "crashed", "renderer crashed", map[string]any{
		"targetId": string(id),
	})
	b.publish(sink, TargetEvent{Kind: "crashed", TargetID: string(id), At: time.Now()})
}

func (b *Browser) onFrameNavigated(session string, params []byte) {
	var p page.EventFrameNavigated
	if !b.decode(params, &p, "frameNavigated") || p.Frame == nil {
		return
	}

	b.mu.Lock()
	id, ok := b.sessions[target.SessionID(session)]
	if !ok {
		b.mu.Unlock()
		return
	}
	t := b.targets[id]
	mainFrame := p.Frame.ParentID == ""
	if t != nil && mainFrame {
		t.url = p.Frame.URL
	}
	var gen uint64
	if t != nil {
		gen = t.index.invalidate()
	}
	sink := b.sink
	b.mu.Unlock()

	b.logger.Info(logging.CategoryIndex, "invalidated", "navigation renumbered elements", map[string]any{
		"targetId":   string(id),
		"url":        p.Frame.URL,
		"mainFrame":  mainFrame,
		"generation": gen,
	})
	if mainFrame {
		b.publish(sink, TargetEvent{Kind: "navigated", TargetID: string(id), URL: p.Frame.URL, At: time.Now()})
	}
}

func (b *Browser) onNavigatedWithinDocument(session string, params []byte) {
	var p page.EventNavigatedWithinDocument
	if !b.decode(params, &p, "navigatedWithinDocument") {
		return
	}

	b.mu.Lock()
	id, ok := b.sessions[target.SessionID(session)]
	if ok {
		if t := b.targets[id]; t != nil {
			t.url = p.URL
			t.index.invalidate()
		}
	}
	b.mu.Unlock()
}

func (b *Browser) onDialog(session string, params []byte) {
	var p page.EventJavascriptDialogOpening
	if !b.decode(params, &p, "javascriptDialogOpening") {
		return
	}

	policy := b.cfg.Dialogs.Policy
	b.logger.Info(logging.CategoryTarget, "dialog", "javascript dialog opened", map[string]any{
		"type":    string(p.Type),
		"message": p.Message,
		"policy":  policy,
	})
	if policy == config.DialogIgnore {
		return
	}

	accept := policy == config.DialogAccept
	prompt := ""
	if accept && p.Type == page.DialogTypePrompt {
		prompt = b.cfg.Dialogs.PromptText
	}
	go func() {
		err := b.client.Call(context.Background(), session, "Page.handleJavaScriptDialog",
			&page.HandleJavaScriptDialogParams{Accept: accept, PromptText: prompt}, nil)
		if err != nil {
			b.logger.Warn(logging.CategoryTarget, "dialog_failed", "could not handle dialog", map[string]any{
				"error": err.Error(),
			})
		}
	}()
}

func (b *Browser) onConsole(session string, params []byte) {
	var p runtime.EventConsoleAPICalled
	if !b.decode(params, &p, "consoleAPICalled") {
		return
	}

	b.mu.Lock()
	id, ok := b.sessions[target.SessionID(session)]
	var t *tab
	if ok {
		t = b.targets[id]
	}
	limit := b.cfg.Snapshot.ConsoleBuffer
	sink := b.sink
	b.mu.Unlock()
	if t == nil {
		return
	}

	parts := make([]string, 0, len(p.Args))
	for _, arg := range p.Args {
		if arg == nil {
			continue
		}
		if arg.Type == "string" && len(arg.Value) > 0 {
			var s string
			if err := json.Unmarshal(arg.Value, &s); err == nil {
				parts = append(parts, s)
				continue
			}
		}
		if arg.Description != "" {
			parts = append(parts, arg.Description)
		} else if len(arg.Value) > 0 {
			parts = append(parts, string(arg.Value))
		}
	}

	entry := ConsoleEntry{Level: string(p.Type), Text: strings.Join(parts, " "), At: time.Now()}

	t.consoleMu.Lock()
	t.console = append(t.console, entry)
	if limit > 0 && len(t.console) > limit {
		t.console = t.console[len(t.console)-limit:]
	}
	t.consoleMu.Unlock()

	b.publish(sink, TargetEvent{Kind: "console", TargetID: string(t.id), Detail: entry.Text, At: entry.At})
}

func (b *Browser) publish(sink EventSink, ev TargetEvent) {
	if sink != nil {
		sink.PublishTargetEvent(ev)
	}
}
