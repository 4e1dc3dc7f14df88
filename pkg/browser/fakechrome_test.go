package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/domsnapshot"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	cdpclient "github.com/odvcencio/chauffeur/pkg/cdp"
	"github.com/odvcencio/chauffeur/pkg/config"
	"github.com/odvcencio/chauffeur/pkg/logging"
)

// fakeNode is the fake's DOM: ids double as both node id and backend node
// id, and a nil rect means the layout engine never rendered the node.
type fakeNode struct {
	id       int64
	nodeType int64
	name     string
	value    string
	attrs    []string
	children []*fakeNode

	shadowType string // set on shadow root nodes: "open" or "closed"
	shadows    []*fakeNode
	contentDoc *fakeNode

	rect        *Rect
	covered     bool
	inputValue  string
	checked     bool
	failScripts bool
	// swallowInsert drops Input.insertText payloads; swallowKeys drops
	// typed key text. Both model widgets that ignore synthetic input.
	swallowInsert bool
	swallowKeys   bool
	options       []fakeOption
}

type fakeOption struct {
	value, label string
	selected     bool
}

func el(id int64, name string, rect *Rect, attrs ...string) *fakeNode {
	return &fakeNode{id: id, nodeType: 1, name: strings.ToUpper(name), attrs: attrs, rect: rect}
}

func text(id int64, s string) *fakeNode {
	return &fakeNode{id: id, nodeType: 3, name: "#text", value: s}
}

func box(x, y, w, h float64) *Rect {
	return &Rect{X: x, Y: y, Width: w, Height: h}
}

func (n *fakeNode) with(children ...*fakeNode) *fakeNode {
	n.children = append(n.children, children...)
	return n
}

// buildMainPage is the default document most tests run against.
func buildMainPage() *fakeNode {
	save := el(10, "button", box(100, 100, 80, 30), "id", "save", "type", "submit").with(text(110, "Save changes"))
	search := el(11, "input", box(100, 150, 200, 24), "type", "text", "name", "q", "placeholder", "Search")
	docs := el(12, "a", box(100, 200, 120, 16), "href", "/docs").with(text(112, "Documentation"))
	color := el(13, "select", box(100, 250, 120, 24), "name", "color")
	color.options = []fakeOption{{value: "red", label: "Red"}, {value: "green", label: "Green"}, {value: "blue", label: "Blue"}}
	agree := el(14, "input", box(100, 300, 16, 16), "type", "checkbox", "name", "agree")
	covered := el(15, "button", box(100, 350, 80, 30)).with(text(115, "Covered"))
	covered.covered = true
	plain := el(16, "div", box(100, 400, 300, 20)).with(text(116, "Plain text"))
	hidden := el(17, "button", nil).with(text(117, "Hidden"))

	innerButton := el(22, "button", box(20, 20, 60, 20)).with(text(122, "Inner"))
	innerDoc := &fakeNode{id: 19, nodeType: 9, name: "#document"}
	innerDoc.with((&fakeNode{id: 20, nodeType: 1, name: "HTML"}).with(
		(&fakeNode{id: 21, nodeType: 1, name: "BODY", rect: box(0, 0, 400, 300)}).with(innerButton)))
	frame := el(18, "iframe", box(100, 450, 400, 300), "src", "/embedded")
	frame.contentDoc = innerDoc

	closedHost := el(23, "div", box(100, 800, 100, 40), "id", "widget")
	closedHost.shadows = []*fakeNode{{id: 24, nodeType: 11, name: "#document-fragment", shadowType: "closed"}}

	shadowButton := el(27, "button", box(110, 860, 90, 28)).with(text(127, "Shadow action"))
	openHost := el(25, "div", box(100, 850, 120, 50), "id", "panel")
	openHost.shadows = []*fakeNode{(&fakeNode{id: 26, nodeType: 11, name: "#document-fragment", shadowType: "open"}).with(shadowButton)}

	body := el(3, "body", box(0, 0, 800, 1000)).with(
		save, search, docs, color, agree, covered, plain, hidden, frame, closedHost, openHost)
	html := el(2, "html", box(0, 0, 800, 1000)).with(body)
	doc := &fakeNode{id: 1, nodeType: 9, name: "#document"}
	return doc.with(html)
}

// buildSecondPage backs navigation tests: a different document entirely.
func buildSecondPage() *fakeNode {
	other := el(30, "button", box(50, 50, 60, 20), "id", "other").with(text(130, "Other"))
	body := el(32, "body", box(0, 0, 800, 600)).with(other)
	doc := &fakeNode{id: 31, nodeType: 9, name: "#document"}
	return doc.with((&fakeNode{id: 33, nodeType: 1, name: "HTML"}).with(body))
}

func blankPage() *fakeNode {
	body := el(42, "body", box(0, 0, 800, 600))
	doc := &fakeNode{id: 40, nodeType: 9, name: "#document"}
	return doc.with((&fakeNode{id: 41, nodeType: 1, name: "HTML"}).with(body))
}

// buildFormsPage carries the widgets the fill and check tests need.
func buildFormsPage() *fakeNode {
	radio := el(53, "input", box(50, 50, 16, 16), "type", "radio", "name", "opt")
	notes := el(54, "textarea", box(50, 100, 300, 80), "name", "notes")
	editor := el(55, "div", box(50, 200, 300, 40), "id", "editor", "contenteditable", "").with(text(155, "Editable"))
	body := el(52, "body", box(0, 0, 800, 600)).with(radio, notes, editor)
	doc := &fakeNode{id: 50, nodeType: 9, name: "#document"}
	return doc.with((&fakeNode{id: 51, nodeType: 1, name: "HTML"}).with(body))
}

type historyEntry struct {
	id  int64
	url string
}

type fakePage struct {
	id      string
	url     string
	title   string
	root    *fakeNode
	history []historyEntry
	histIdx int
	focused *fakeNode
}

// fakeChrome speaks just enough DevTools protocol for the layer on top:
// flat-session target management, DOM reads, layout snapshots, input
// dispatch and scripted node calls.
type fakeChrome struct {
	t   *testing.T
	srv *httptest.Server
	up  websocket.Upgrader

	mu         sync.Mutex
	conn       *websocket.Conn
	writeMu    sync.Mutex
	pages      map[string]*fakePage
	order      []string
	sessions   map[string]string
	autoAttach bool
	nextID     int
	nextHist   int64

	pageDefs map[string]func() *fakeNode

	mouseEvents map[string][]map[string]any
	keyEvents   map[string][]map[string]any
	inserted    map[string][]string
	dialogs     []bool
	cleared     bool

	geometryBroken bool
	evalHook       func(expression string) (any, string)
	evals          []runtime.EvaluateParams
	shots          []map[string]any
}

func newFakeChrome(t *testing.T) *fakeChrome {
	t.Helper()
	f := &fakeChrome{
		t:           t,
		pages:       make(map[string]*fakePage),
		sessions:    make(map[string]string),
		pageDefs:    make(map[string]func() *fakeNode),
		mouseEvents: make(map[string][]map[string]any),
		keyEvents:   make(map[string][]map[string]any),
		inserted:    make(map[string][]string),
		nextHist:    100,
	}
	f.pageDefs["https://one.example/"] = buildMainPage
	f.pageDefs["https://two.example/"] = buildSecondPage
	f.pageDefs["https://forms.example/"] = buildFormsPage
	f.addPage("T1", "https://one.example/", "Main", buildMainPage())
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChrome) addPage(id, url, title string, root *fakeNode) {
	f.nextHist++
	f.pages[id] = &fakePage{
		id: id, url: url, title: title, root: root,
		history: []historyEntry{{id: f.nextHist, url: url}},
	}
	f.order = append(f.order, id)
}

func (f *fakeChrome) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeChrome) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/json/version" {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "FakeChrome/2.0",
			"webSocketDebuggerUrl": f.wsURL() + "/devtools/browser/fake",
		})
		return
	}
	conn, err := f.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg cdpclient.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		f.dispatch(&msg)
	}
}

func (f *fakeChrome) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Errorf("fake marshal: %v", err)
		return
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (f *fakeChrome) reply(id int64, session string, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		f.t.Errorf("fake marshal result: %v", err)
		return
	}
	f.send(cdpclient.Message{ID: id, SessionID: session, Result: raw})
}

func (f *fakeChrome) replyErr(id int64, session, text string) {
	f.send(cdpclient.Message{ID: id, SessionID: session, Error: &cdpclient.WireError{Code: -32000, Message: text}})
}

func (f *fakeChrome) emit(session, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		f.t.Errorf("fake marshal event: %v", err)
		return
	}
	f.send(cdpclient.Message{SessionID: session, Method: method, Params: raw})
}

func (f *fakeChrome) pageBySession(session string) *fakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.sessions[session]
	if !ok {
		return nil
	}
	return f.pages[id]
}

func (f *fakeChrome) attach(id string) string {
	session := "S-" + id
	f.mu.Lock()
	p := f.pages[id]
	f.sessions[session] = id
	f.mu.Unlock()
	if p == nil {
		return session
	}
	f.emit("", "Target.attachedToTarget", &target.EventAttachedToTarget{
		SessionID: target.SessionID(session),
		TargetInfo: &target.Info{
			TargetID: target.ID(id), Type: "page", Title: p.title, URL: p.url, Attached: true,
		},
	})
	return session
}

func (f *fakeChrome) navigate(p *fakePage, session, url string, pushHistory bool) {
	def, ok := f.pageDefs[url]
	if !ok {
		def = blankPage
	}
	f.mu.Lock()
	p.url = url
	p.root = def()
	if pushHistory {
		if p.histIdx < len(p.history)-1 {
			p.history = p.history[:p.histIdx+1]
		}
		f.nextHist++
		p.history = append(p.history, historyEntry{id: f.nextHist, url: url})
		p.histIdx = len(p.history) - 1
	}
	f.mu.Unlock()

	f.emit(session, "Page.frameNavigated", &page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: cdp.FrameID(p.id), URL: url},
	})
	f.emit(session, "Page.loadEventFired", map[string]any{"timestamp": 1.0})
}

func (f *fakeChrome) findNode(root *fakeNode, backendID int64) *fakeNode {
	if root == nil {
		return nil
	}
	if root.id == backendID {
		return root
	}
	for _, c := range root.children {
		if n := f.findNode(c, backendID); n != nil {
			return n
		}
	}
	for _, s := range root.shadows {
		if n := f.findNode(s, backendID); n != nil {
			return n
		}
	}
	if root.contentDoc != nil {
		if n := f.findNode(root.contentDoc, backendID); n != nil {
			return n
		}
	}
	return nil
}

// toCDPNode converts the fake tree to the protocol's node shape.
func toCDPNode(n *fakeNode) *cdp.Node {
	if n == nil {
		return nil
	}
	out := &cdp.Node{
		NodeID:        cdp.NodeID(n.id),
		BackendNodeID: cdp.BackendNodeID(n.id),
		NodeType:      cdp.NodeType(n.nodeType),
		NodeName:      n.name,
		NodeValue:     n.value,
		Attributes:    n.attrs,
	}
	if n.shadowType != "" {
		out.ShadowRootType = cdp.ShadowRootType(n.shadowType)
	}
	for _, c := range n.children {
		out.Children = append(out.Children, toCDPNode(c))
	}
	for _, s := range n.shadows {
		out.ShadowRoots = append(out.ShadowRoots, toCDPNode(s))
	}
	out.ContentDocument = toCDPNode(n.contentDoc)
	out.ChildNodeCount = int64(len(n.children))
	return out
}

func collectRendered(n *fakeNode, nodes *[]*fakeNode) {
	if n == nil {
		return
	}
	if n.rect != nil {
		*nodes = append(*nodes, n)
	}
	for _, c := range n.children {
		collectRendered(c, nodes)
	}
	for _, s := range n.shadows {
		collectRendered(s, nodes)
	}
	collectRendered(n.contentDoc, nodes)
}

func (f *fakeChrome) layoutSnapshot(p *fakePage) *domsnapshot.CaptureSnapshotReturns {
	var rendered []*fakeNode
	collectRendered(p.root, &rendered)

	nodes := &domsnapshot.NodeTreeSnapshot{}
	layout := &domsnapshot.LayoutTreeSnapshot{}
	for i, n := range rendered {
		nodes.BackendNodeID = append(nodes.BackendNodeID, cdp.BackendNodeID(n.id))
		layout.NodeIndex = append(layout.NodeIndex, int64(i))
		layout.Bounds = append(layout.Bounds, domsnapshot.Rectangle{n.rect.X, n.rect.Y, n.rect.Width, n.rect.Height})
	}
	return &domsnapshot.CaptureSnapshotReturns{
		Documents: []*domsnapshot.DocumentSnapshot{{Nodes: nodes, Layout: layout}},
	}
}

func (f *fakeChrome) recordMouse(p *fakePage, params []byte) {
	var m map[string]any
	_ = json.Unmarshal(params, &m)
	f.mu.Lock()
	f.mouseEvents[p.id] = append(f.mouseEvents[p.id], m)
	f.mu.Unlock()
}

func (f *fakeChrome) recordKey(p *fakePage, params []byte) {
	var m map[string]any
	_ = json.Unmarshal(params, &m)
	f.mu.Lock()
	f.keyEvents[p.id] = append(f.keyEvents[p.id], m)
	if kind, _ := m["type"].(string); kind == "keyDown" {
		if text, _ := m["text"].(string); text != "" && p.focused != nil && !p.focused.swallowKeys {
			p.focused.inputValue += text
		}
	}
	f.mu.Unlock()
}

func (f *fakeChrome) mouseTypes(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.mouseEvents[id]))
	for _, m := range f.mouseEvents[id] {
		s, _ := m["type"].(string)
		out = append(out, s)
	}
	return out
}

func (f *fakeChrome) mouseEventList(id string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.mouseEvents[id]...)
}

func (f *fakeChrome) keyEventList(id string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.keyEvents[id]...)
}

func (f *fakeChrome) keySummaries(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.keyEvents[id]))
	for _, m := range f.keyEvents[id] {
		kind, _ := m["type"].(string)
		key, _ := m["key"].(string)
		out = append(out, kind+":"+key)
	}
	return out
}

func (f *fakeChrome) dispatch(msg *cdpclient.Message) {
	session := msg.SessionID
	switch msg.Method {

	case "Target.setDiscoverTargets":
		f.mu.Lock()
		ids := append([]string(nil), f.order...)
		f.mu.Unlock()
		for _, id := range ids {
			p := f.pages[id]
			f.emit("", "Target.targetCreated", &target.EventTargetCreated{
				TargetInfo: &target.Info{TargetID: target.ID(id), Type: "page", Title: p.title, URL: p.url},
			})
		}
		f.reply(msg.ID, session, struct{}{})

	case "Target.setAutoAttach":
		f.mu.Lock()
		f.autoAttach = true
		f.mu.Unlock()
		f.reply(msg.ID, session, struct{}{})

	case "Target.getTargets":
		f.mu.Lock()
		infos := make([]*target.Info, 0, len(f.order))
		for _, id := range f.order {
			p := f.pages[id]
			infos = append(infos, &target.Info{TargetID: target.ID(id), Type: "page", Title: p.title, URL: p.url})
		}
		f.mu.Unlock()
		f.reply(msg.ID, session, &target.GetTargetsReturns{TargetInfos: infos})

	case "Target.attachToTarget":
		var p target.AttachToTargetParams
		_ = json.Unmarshal(msg.Params, &p)
		s := f.attach(string(p.TargetID))
		f.reply(msg.ID, session, &target.AttachToTargetReturns{SessionID: target.SessionID(s)})

	case "Target.createTarget":
		var p target.CreateTargetParams
		_ = json.Unmarshal(msg.Params, &p)
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("T%d", f.nextID+1)
		auto := f.autoAttach
		f.mu.Unlock()
		def, ok := f.pageDefs[p.URL]
		if !ok {
			def = blankPage
		}
		f.addPage(id, p.URL, "", def())
		f.emit("", "Target.targetCreated", &target.EventTargetCreated{
			TargetInfo: &target.Info{TargetID: target.ID(id), Type: "page", URL: p.URL},
		})
		if auto {
			f.attach(id)
		}
		f.reply(msg.ID, session, &target.CreateTargetReturns{TargetID: target.ID(id)})

	case "Target.closeTarget":
		var p target.CloseTargetParams
		_ = json.Unmarshal(msg.Params, &p)
		id := string(p.TargetID)
		f.mu.Lock()
		_, exists := f.pages[id]
		var sess string
		for s, tid := range f.sessions {
			if tid == id {
				sess = s
			}
		}
		delete(f.sessions, sess)
		delete(f.pages, id)
		for i, o := range f.order {
			if o == id {
				f.order = append(f.order[:i], f.order[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		if exists {
			if sess != "" {
				f.emit("", "Target.detachedFromTarget", &target.EventDetachedFromTarget{
					SessionID: target.SessionID(sess), TargetID: target.ID(id),
				})
			}
			f.emit("", "Target.targetDestroyed", &target.EventTargetDestroyed{TargetID: target.ID(id)})
		}
		f.reply(msg.ID, session, &target.CloseTargetReturns{Success: exists})

	case "Target.getTargetInfo":
		var p target.GetTargetInfoParams
		_ = json.Unmarshal(msg.Params, &p)
		f.mu.Lock()
		pg := f.pages[string(p.TargetID)]
		f.mu.Unlock()
		if pg == nil {
			f.replyErr(msg.ID, session, "No target with given id found")
			return
		}
		f.reply(msg.ID, session, &target.GetTargetInfoReturns{
			TargetInfo: &target.Info{TargetID: target.ID(pg.id), Type: "page", Title: pg.title, URL: pg.url, Attached: true},
		})

	case "Page.enable", "DOM.enable", "Runtime.enable", "Inspector.enable",
		"Runtime.releaseObject", "DOM.scrollIntoViewIfNeeded":
		f.reply(msg.ID, session, struct{}{})

	case "Page.navigate":
		pg := f.pageBySession(session)
		if pg == nil {
			f.replyErr(msg.ID, session, "no session")
			return
		}
		var p page.NavigateParams
		_ = json.Unmarshal(msg.Params, &p)
		if strings.HasPrefix(p.URL, "bad://") {
			f.reply(msg.ID, session, &page.NavigateReturns{FrameID: cdp.FrameID(pg.id), ErrorText: "net::ERR_NAME_NOT_RESOLVED"})
			return
		}
		f.reply(msg.ID, session, &page.NavigateReturns{FrameID: cdp.FrameID(pg.id)})
		f.navigate(pg, session, p.URL, true)

	case "Page.reload":
		pg := f.pageBySession(session)
		if pg == nil {
			f.replyErr(msg.ID, session, "no session")
			return
		}
		f.reply(msg.ID, session, struct{}{})
		f.navigate(pg, session, pg.url, false)

	case "Page.getNavigationHistory":
		pg := f.pageBySession(session)
		f.mu.Lock()
		entries := make([]*page.NavigationEntry, 0, len(pg.history))
		for _, h := range pg.history {
			entries = append(entries, &page.NavigationEntry{
				ID: h.id, URL: h.url, UserTypedURL: h.url, TransitionType: page.TransitionTypeTyped,
			})
		}
		idx := int64(pg.histIdx)
		f.mu.Unlock()
		f.reply(msg.ID, session, &page.GetNavigationHistoryReturns{CurrentIndex: idx, Entries: entries})

	case "Page.navigateToHistoryEntry":
		pg := f.pageBySession(session)
		var p page.NavigateToHistoryEntryParams
		_ = json.Unmarshal(msg.Params, &p)
		f.mu.Lock()
		var url string
		for i, h := range pg.history {
			if h.id == p.EntryID {
				pg.histIdx = i
				url = h.url
			}
		}
		f.mu.Unlock()
		// Callers read the new location right after the reply, so the
		// fake commits the navigation before acknowledging.
		if url != "" {
			f.navigate(pg, session, url, false)
		}
		f.reply(msg.ID, session, struct{}{})

	case "Page.handleJavaScriptDialog":
		var p struct {
			Accept     bool   `json:"accept"`
			PromptText string `json:"promptText"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		f.mu.Lock()
		f.dialogs = append(f.dialogs, p.Accept)
		f.mu.Unlock()
		f.reply(msg.ID, session, struct{}{})

	case "Page.getLayoutMetrics":
		f.reply(msg.ID, session, &page.GetLayoutMetricsReturns{
			LayoutViewport: &page.LayoutViewport{ClientWidth: 800, ClientHeight: 600},
		})

	case "Page.captureScreenshot":
		var m map[string]any
		_ = json.Unmarshal(msg.Params, &m)
		f.mu.Lock()
		f.shots = append(f.shots, m)
		f.mu.Unlock()
		f.reply(msg.ID, session, map[string]string{"data": "aW1hZ2U="})

	case "Page.printToPDF":
		f.reply(msg.ID, session, map[string]string{"data": "cGRm"})

	case "Network.getCookies":
		f.reply(msg.ID, session, map[string]any{"cookies": []map[string]any{
			{"name": "sid", "value": "abc123", "domain": "one.example", "path": "/", "expires": -1.0, "httpOnly": true, "secure": true, "session": true, "size": 9, "priority": "Medium", "sameParty": false, "sourceScheme": "Secure", "sourcePort": 443},
		}})

	case "Network.clearBrowserCookies":
		f.mu.Lock()
		f.cleared = true
		f.mu.Unlock()
		f.reply(msg.ID, session, struct{}{})

	case "DOM.getDocument":
		pg := f.pageBySession(session)
		if pg == nil {
			f.replyErr(msg.ID, session, "no session")
			return
		}
		f.mu.Lock()
		root := toCDPNode(pg.root)
		f.mu.Unlock()
		f.reply(msg.ID, session, &dom.GetDocumentReturns{Root: root})

	case "DOMSnapshot.captureSnapshot":
		f.mu.Lock()
		broken := f.geometryBroken
		f.mu.Unlock()
		if broken {
			f.replyErr(msg.ID, session, "snapshot unavailable")
			return
		}
		pg := f.pageBySession(session)
		f.reply(msg.ID, session, f.layoutSnapshot(pg))

	case "DOM.querySelectorAll":
		pg := f.pageBySession(session)
		var p dom.QuerySelectorAllParams
		_ = json.Unmarshal(msg.Params, &p)
		ids := f.selectAll(pg, p.Selector)
		if ids == nil {
			f.replyErr(msg.ID, session, "DOM Error while querying")
			return
		}
		f.reply(msg.ID, session, &dom.QuerySelectorAllReturns{NodeIDs: ids})

	case "DOM.describeNode":
		pg := f.pageBySession(session)
		var p dom.DescribeNodeParams
		_ = json.Unmarshal(msg.Params, &p)
		f.mu.Lock()
		n := f.findNode(pg.root, int64(p.NodeID))
		if n == nil {
			n = f.findNode(pg.root, int64(p.BackendNodeID))
		}
		f.mu.Unlock()
		if n == nil {
			f.replyErr(msg.ID, session, "Could not find node with given id")
			return
		}
		f.reply(msg.ID, session, &dom.DescribeNodeReturns{Node: toCDPNode(n)})

	case "DOM.focus":
		pg := f.pageBySession(session)
		var p dom.FocusParams
		_ = json.Unmarshal(msg.Params, &p)
		f.mu.Lock()
		if n := f.findNode(pg.root, int64(p.BackendNodeID)); n != nil {
			pg.focused = n
		}
		f.mu.Unlock()
		f.reply(msg.ID, session, struct{}{})

	case "DOM.getContentQuads":
		pg := f.pageBySession(session)
		var p dom.GetContentQuadsParams
		_ = json.Unmarshal(msg.Params, &p)
		f.mu.Lock()
		n := f.findNode(pg.root, int64(p.BackendNodeID))
		f.mu.Unlock()
		if n == nil || n.rect == nil {
			f.replyErr(msg.ID, session, "Could not compute content quads.")
			return
		}
		r := n.rect
		quad := dom.Quad{r.X, r.Y, r.X + r.Width, r.Y, r.X + r.Width, r.Y + r.Height, r.X, r.Y + r.Height}
		f.reply(msg.ID, session, &dom.GetContentQuadsReturns{Quads: []dom.Quad{quad}})

	case "DOM.getBoxModel":
		f.replyErr(msg.ID, session, "Could not compute box model.")

	case "DOM.getOuterHTML":
		f.reply(msg.ID, session, &dom.GetOuterHTMLReturns{OuterHTML: "<html><body><p>hello</p></body></html>"})

	case "DOM.resolveNode":
		pg := f.pageBySession(session)
		var p dom.ResolveNodeParams
		_ = json.Unmarshal(msg.Params, &p)
		f.mu.Lock()
		n := f.findNode(pg.root, int64(p.BackendNodeID))
		f.mu.Unlock()
		if n == nil {
			f.replyErr(msg.ID, session, "No node with given id found")
			return
		}
		f.reply(msg.ID, session, &dom.ResolveNodeReturns{
			Object: &runtime.RemoteObject{Type: "object", ObjectID: runtime.RemoteObjectID(fmt.Sprintf("obj-%d", n.id))},
		})

	case "Runtime.callFunctionOn":
		f.handleCallFunctionOn(msg, session)

	case "Runtime.evaluate":
		var p runtime.EvaluateParams
		_ = json.Unmarshal(msg.Params, &p)
		f.mu.Lock()
		f.evals = append(f.evals, p)
		hook := f.evalHook
		f.mu.Unlock()
		if hook == nil {
			f.replyErr(msg.ID, session, "no eval hook installed")
			return
		}
		value, excMsg := hook(p.Expression)
		if excMsg != "" {
			f.reply(msg.ID, session, map[string]any{
				"result":           map[string]any{"type": "object", "subtype": "error", "description": excMsg},
				"exceptionDetails": map[string]any{"exceptionId": 1, "text": "Uncaught", "lineNumber": 0, "columnNumber": 0, "exception": map[string]any{"type": "object", "subtype": "error", "description": excMsg}},
			})
			return
		}
		raw, _ := json.Marshal(value)
		kind := "object"
		switch value.(type) {
		case string:
			kind = "string"
		case float64, int:
			kind = "number"
		case bool:
			kind = "boolean"
		case nil:
			kind = "undefined"
		}
		f.reply(msg.ID, session, map[string]any{
			"result": map[string]any{"type": kind, "value": json.RawMessage(raw)},
		})

	case "Input.dispatchMouseEvent":
		pg := f.pageBySession(session)
		f.recordMouse(pg, msg.Params)
		f.reply(msg.ID, session, struct{}{})

	case "Input.dispatchKeyEvent":
		pg := f.pageBySession(session)
		f.recordKey(pg, msg.Params)
		f.reply(msg.ID, session, struct{}{})

	case "Input.insertText":
		pg := f.pageBySession(session)
		var p struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		f.mu.Lock()
		f.inserted[pg.id] = append(f.inserted[pg.id], p.Text)
		if pg.focused != nil && !pg.focused.swallowInsert {
			pg.focused.inputValue += p.Text
		}
		f.mu.Unlock()
		f.reply(msg.ID, session, struct{}{})

	case "Emulation.setDeviceMetricsOverride", "Emulation.clearDeviceMetricsOverride":
		f.reply(msg.ID, session, struct{}{})

	default:
		f.replyErr(msg.ID, session, "'"+msg.Method+"' wasn't found")
	}
}

// selectAll supports the few selector shapes the tests use: "#id", "button",
// and "nosuch" for empty. A selector starting with "!!" is malformed.
func (f *fakeChrome) selectAll(p *fakePage, selector string) []cdp.NodeID {
	if strings.HasPrefix(selector, "!!") {
		return nil
	}
	ids := []cdp.NodeID{}
	var visit func(n *fakeNode)
	visit = func(n *fakeNode) {
		if n == nil {
			return
		}
		if n.nodeType == 1 {
			if strings.HasPrefix(selector, "#") {
				if attrValue(n.attrs, "id") == selector[1:] {
					ids = append(ids, cdp.NodeID(n.id))
				}
			} else if strings.EqualFold(n.name, selector) {
				ids = append(ids, cdp.NodeID(n.id))
			}
		}
		for _, c := range n.children {
			visit(c)
		}
		// Top-document query: do not pierce shadow roots or iframes.
	}
	f.mu.Lock()
	visit(p.root)
	f.mu.Unlock()
	return ids
}

func attrValue(attrs []string, name string) string {
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == name {
			return attrs[i+1]
		}
	}
	return ""
}

func hasAttr(attrs []string, name string) bool {
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == name {
			return true
		}
	}
	return false
}

func (f *fakeChrome) handleCallFunctionOn(msg *cdpclient.Message, session string) {
	pg := f.pageBySession(session)
	var p runtime.CallFunctionOnParams
	_ = json.Unmarshal(msg.Params, &p)

	backendID, _ := strconv.ParseInt(strings.TrimPrefix(string(p.ObjectID), "obj-"), 10, 64)
	f.mu.Lock()
	n := f.findNode(pg.root, backendID)
	f.mu.Unlock()
	if n == nil {
		f.replyErr(msg.ID, session, "Cannot find context with specified id")
		return
	}
	if n.failScripts {
		f.replyErr(msg.ID, session, "Execution context was destroyed.")
		return
	}

	respond := func(v any) {
		raw, _ := json.Marshal(v)
		f.reply(msg.ID, session, map[string]any{
			"result": map[string]any{"type": "object", "value": json.RawMessage(raw)},
		})
	}

	fn := p.FunctionDeclaration
	switch {
	case strings.Contains(fn, "elementFromPoint"):
		respond(!n.covered)

	case strings.Contains(fn, "window.scrollX"):
		if n.rect == nil {
			respond(map[string]float64{"x": 0, "y": 0, "w": 0, "h": 0})
			return
		}
		respond(map[string]float64{"x": n.rect.X, "y": n.rect.Y, "w": n.rect.Width, "h": n.rect.Height})

	case strings.Contains(fn, "getBoundingClientRect"):
		if n.rect == nil {
			respond(map[string]float64{"x": 0, "y": 0, "w": 0, "h": 0})
			return
		}
		x, y := n.rect.Center()
		respond(map[string]float64{"x": x, "y": y, "w": n.rect.Width, "h": n.rect.Height})

	case strings.Contains(fn, "HTMLInputElement"):
		tag := strings.ToLower(n.name)
		if tag == "input" || tag == "textarea" {
			f.mu.Lock()
			n.inputValue = ""
			f.mu.Unlock()
			respond(true)
			return
		}
		if hasAttr(n.attrs, "contenteditable") && attrValue(n.attrs, "contenteditable") != "false" {
			f.mu.Lock()
			n.inputValue = ""
			f.mu.Unlock()
			respond(true)
			return
		}
		respond(false)

	case strings.Contains(fn, "String(this.value)"):
		f.mu.Lock()
		value := n.inputValue
		f.mu.Unlock()
		respond(value)

	case strings.Contains(fn, "this.options"):
		if strings.ToLower(n.name) != "select" {
			respond(map[string]any{"ok": false, "reason": "not a select element"})
			return
		}
		var values []string
		if len(p.Arguments) > 0 {
			_ = json.Unmarshal(p.Arguments[0].Value, &values)
		}
		matched := []string{}
		f.mu.Lock()
		for i := range n.options {
			hit := false
			for _, v := range values {
				if n.options[i].value == v || n.options[i].label == v {
					hit = true
				}
			}
			n.options[i].selected = hit
			if hit {
				matched = append(matched, n.options[i].value)
			}
		}
		f.mu.Unlock()
		respond(map[string]any{"ok": true, "matched": matched})

	case strings.Contains(fn, "checkbox"):
		tag := strings.ToLower(n.name)
		kind := attrValue(n.attrs, "type")
		if tag != "input" || (kind != "checkbox" && kind != "radio") {
			respond(map[string]any{"ok": false, "reason": "not a checkbox or radio"})
			return
		}
		var want bool
		if len(p.Arguments) > 0 {
			_ = json.Unmarshal(p.Arguments[0].Value, &want)
		}
		if kind == "radio" && !want {
			respond(map[string]any{"ok": false, "reason": "a radio cannot be unchecked directly"})
			return
		}
		f.mu.Lock()
		n.checked = want
		f.mu.Unlock()
		respond(map[string]any{"ok": true, "checked": want})

	case strings.Contains(fn, "outline"):
		respond(true)

	default:
		f.replyErr(msg.ID, session, "unsupported function in fake: "+fn)
	}
}

func (f *fakeChrome) dialogAnswers() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.dialogs...)
}

func (f *fakeChrome) setEvalHook(hook func(expression string) (any, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalHook = hook
}

func (f *fakeChrome) evalRequests() []runtime.EvaluateParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.EvaluateParams(nil), f.evals...)
}

func (f *fakeChrome) screenshotRequests() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.shots...)
}

func (f *fakeChrome) cookiesCleared() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

func (f *fakeChrome) insertedText(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inserted[id]...)
}

func (f *fakeChrome) node(id string, backendID int64) *fakeNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.pages[id]
	if p == nil {
		return nil
	}
	return f.findNode(p.root, backendID)
}

// newTestBrowser wires a Browser to a fresh fake endpoint with fast retry
// timings.
func newTestBrowser(t *testing.T) (*Browser, *fakeChrome) {
	t.Helper()
	f := newFakeChrome(t)
	cfg := config.DefaultConfig()
	cfg.Endpoint.URL = f.wsURL()
	cfg.Actions.RetryBackoff = 2 * time.Millisecond
	cfg.Actions.FillCharDelay = time.Millisecond
	cfg.Actions.NavigateTimeout = 2 * time.Second
	b, err := Connect(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, f
}
