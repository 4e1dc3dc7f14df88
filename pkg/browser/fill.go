package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"

	"github.com/odvcencio/chauffeur/pkg/logging"
)

// clearScript empties a text control through the native value setter so
// framework-managed inputs (React and friends) observe the change, then
// fires the events they listen for.
const clearScript = `function() {
	const tag = this.tagName ? this.tagName.toLowerCase() : '';
	if (tag === 'input' || tag === 'textarea') {
		const proto = tag === 'input' ? window.HTMLInputElement.prototype : window.HTMLTextAreaElement.prototype;
		const desc = Object.getOwnPropertyDescriptor(proto, 'value');
		if (desc && desc.set) {
			desc.set.call(this, '');
		} else {
			this.value = '';
		}
		this.dispatchEvent(new Event('input', {bubbles: true}));
		this.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	}
	if (this.isContentEditable) {
		this.textContent = '';
		this.dispatchEvent(new Event('input', {bubbles: true}));
		return true;
	}
	return false;
}`

// readValueScript reports the control's current text so a fill can be
// verified. Null means the element carries no readable value.
const readValueScript = `function() {
	const tag = this.tagName ? this.tagName.toLowerCase() : '';
	if (tag === 'input' || tag === 'textarea') return String(this.value);
	if (this.isContentEditable) return this.textContent || '';
	return null;
}`

// Fill replaces the element's text with the given value. The control is
// focused and cleared first; the text then arrives as one IME-style insert,
// or as individual key events when opts.PerChar asks for them. The end
// value is read back, and a mismatch after the insert triggers one slower
// per-character retype before the command fails.
func (b *Browser) Fill(ctx context.Context, id target.ID, ref ElementRef, text string, opts *FillOptions) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}

	perChar := false
	noClear := false
	charDelay := b.cfg.Actions.FillCharDelay
	if opts != nil {
		perChar = opts.PerChar
		noClear = opts.NoClear
		if opts.CharDelay > 0 {
			charDelay = opts.CharDelay
		}
	}

	return b.runCommand(ctx, t, "fill", fmt.Sprintf("[%d] %d chars", ref.Index, len(text)), func(ctx context.Context) error {
		entry, err := t.index.resolve(ref)
		if err != nil {
			return err
		}
		if err := b.prepareNode(ctx, session, entry, ref.Index); err != nil {
			return err
		}
		if err := b.client.Call(ctx, string(session), "DOM.focus",
			&dom.FocusParams{BackendNodeID: entry.backendID}, nil); err != nil {
			return err
		}

		if !noClear {
			if err := b.clearControl(ctx, session, entry, ref.Index); err != nil {
				return err
			}
		}

		if perChar {
			if err := b.typeText(ctx, session, text, charDelay); err != nil {
				return err
			}
		} else if err := b.client.Call(ctx, string(session), "Input.insertText",
			&input.InsertTextParams{Text: text}, nil); err != nil {
			return err
		}

		// Appending leaves the end value caret-dependent; nothing to
		// verify against.
		if noClear {
			return nil
		}
		ok, verified := b.verifyValue(ctx, session, entry, text)
		if !verified || ok {
			return nil
		}
		if perChar {
			return notInteractable(ref.Index, "value mismatch after fill")
		}

		// Some pages swallow IME-style inserts; retype with real key
		// events, which is slower but harder to ignore.
		b.logger.Debug(logging.CategoryAction, "fill_retype", "insert left a mismatch, retyping per character", map[string]any{
			"index": ref.Index,
		})
		if err := b.clearControl(ctx, session, entry, ref.Index); err != nil {
			return err
		}
		if err := b.typeText(ctx, session, text, charDelay); err != nil {
			return err
		}
		if ok, verified = b.verifyValue(ctx, session, entry, text); verified && !ok {
			return notInteractable(ref.Index, "value mismatch after fill")
		}
		return nil
	})
}

// verifyValue reads the control's value back. verified is false when the
// value cannot be read at all; widgets with no readable value cannot fail
// verification.
func (b *Browser) verifyValue(ctx context.Context, session target.SessionID, entry indexEntry, want string) (ok, verified bool) {
	var got *string
	if err := b.callOnNode(ctx, session, entry.backendID, readValueScript, &got); err != nil {
		return false, false
	}
	if got == nil {
		return false, false
	}
	return *got == want, true
}

// clearControl wipes existing content. The scripted clear is tried first;
// if the script blows up on an exotic widget, fall back to selecting
// everything with real key events and deleting it.
func (b *Browser) clearControl(ctx context.Context, session target.SessionID, entry indexEntry, index int) error {
	var cleared bool
	err := b.callOnNode(ctx, session, entry.backendID, clearScript, &cleared)
	if err == nil {
		if !cleared {
			return invalidOp("element %d is not a text input, textarea or contenteditable", index)
		}
		return nil
	}

	b.logger.Debug(logging.CategoryAction, "clear_fallback", "scripted clear failed, using key events", map[string]any{
		"index": index,
		"error": err.Error(),
	})

	// Triple-click selects the field's content, Delete removes it.
	x, y, err := b.clickablePoint(ctx, session, entry, index)
	if err == nil {
		for _, kind := range []input.MouseType{input.MousePressed, input.MouseReleased} {
			if err := b.dispatchMouse(ctx, session, &input.DispatchMouseEventParams{
				Type: kind, X: x, Y: y, Button: input.Left, ClickCount: 3,
			}); err != nil {
				return err
			}
		}
		def := namedKeys["delete"]
		if err := b.dispatchKey(ctx, session, input.KeyDown, def, 0); err != nil {
			return err
		}
		return b.dispatchKey(ctx, session, input.KeyUp, def, 0)
	}

	// No geometry either: select-all through the keyboard.
	ctrl := modifierKeys["control"]
	aDef, _ := resolveKey("a")
	aDef.text = "" // held Control means no insertion
	for _, step := range []struct {
		kind input.KeyType
		def  keyDef
		mods input.Modifier
	}{
		{input.KeyDown, ctrl.def, ctrl.bit},
		{input.KeyDown, aDef, ctrl.bit},
		{input.KeyUp, aDef, ctrl.bit},
		{input.KeyUp, ctrl.def, 0},
		{input.KeyDown, namedKeys["backspace"], 0},
		{input.KeyUp, namedKeys["backspace"], 0},
	} {
		if err := b.dispatchKey(ctx, session, step.kind, step.def, step.mods); err != nil {
			return err
		}
	}
	return nil
}

// typeText sends one key event pair per rune, pacing them so autocomplete
// and validation handlers keep up.
func (b *Browser) typeText(ctx context.Context, session target.SessionID, text string, delay time.Duration) error {
	for _, r := range text {
		def := keyDef{key: string(r), text: string(r)}
		if err := b.dispatchKey(ctx, session, input.KeyDown, def, 0); err != nil {
			return err
		}
		if err := b.dispatchKey(ctx, session, input.KeyUp, def, 0); err != nil {
			return err
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil
}

// selectScript applies a selection by option value, label or visible text,
// reporting what matched rather than throwing so the caller can classify.
const selectScript = `function(values) {
	if (!this.tagName || this.tagName !== 'SELECT') {
		return {ok: false, reason: 'not a select element'};
	}
	const want = new Set(values);
	const matched = [];
	for (const opt of Array.from(this.options)) {
		const hit = want.has(opt.value) || want.has(opt.label) || want.has(opt.textContent.trim());
		if (this.multiple) {
			opt.selected = hit;
		} else if (hit) {
			this.value = opt.value;
		}
		if (hit) matched.push(opt.value);
	}
	if (matched.length > 0) {
		this.dispatchEvent(new Event('input', {bubbles: true}));
		this.dispatchEvent(new Event('change', {bubbles: true}));
	}
	return {ok: true, matched: matched};
}`

// SelectOption selects the options matching the given values (by value,
// label or text) on a select element. Values that match nothing are an
// error, as is pointing this at anything that is not a select.
func (b *Browser) SelectOption(ctx context.Context, id target.ID, ref ElementRef, values []string) error {
	if len(values) == 0 {
		return invalidOp("no option values given")
	}
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}

	return b.runCommand(ctx, t, "select", fmt.Sprintf("[%d] %v", ref.Index, values), func(ctx context.Context) error {
		entry, err := t.index.resolve(ref)
		if err != nil {
			return err
		}
		if err := b.prepareNode(ctx, session, entry, ref.Index); err != nil {
			return err
		}

		var res struct {
			OK      bool     `json:"ok"`
			Reason  string   `json:"reason"`
			Matched []string `json:"matched"`
		}
		if err := b.callOnNode(ctx, session, entry.backendID, selectScript, &res, values); err != nil {
			return err
		}
		if !res.OK {
			return invalidOp("element %d: %s", ref.Index, res.Reason)
		}
		if len(res.Matched) == 0 {
			return invalidOp("element %d has no option matching %v", ref.Index, values)
		}
		return nil
	})
}

const checkScript = `function(want) {
	if (!this.tagName || this.tagName !== 'INPUT' || (this.type !== 'checkbox' && this.type !== 'radio')) {
		return {ok: false, reason: 'not a checkbox or radio'};
	}
	if (this.type === 'radio' && !want) {
		return {ok: false, reason: 'a radio cannot be unchecked directly'};
	}
	if (this.checked !== want) this.click();
	return {ok: true, checked: this.checked};
}`

// SetChecked drives a checkbox or radio to the desired state using the
// element's own click activation, so change handlers fire exactly as they
// would for a user.
func (b *Browser) SetChecked(ctx context.Context, id target.ID, ref ElementRef, checked bool) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}

	return b.runCommand(ctx, t, "check", fmt.Sprintf("[%d] %t", ref.Index, checked), func(ctx context.Context) error {
		entry, err := t.index.resolve(ref)
		if err != nil {
			return err
		}
		if err := b.prepareNode(ctx, session, entry, ref.Index); err != nil {
			return err
		}

		var res struct {
			OK      bool   `json:"ok"`
			Reason  string `json:"reason"`
			Checked bool   `json:"checked"`
		}
		if err := b.callOnNode(ctx, session, entry.backendID, checkScript, &res, checked); err != nil {
			return err
		}
		if !res.OK {
			return invalidOp("element %d: %s", ref.Index, res.Reason)
		}
		if res.Checked != checked {
			return notInteractable(ref.Index, "state did not change")
		}
		return nil
	})
}
