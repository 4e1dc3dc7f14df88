package browser

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"
)

// keyDef carries what Input.dispatchKeyEvent needs for one physical key.
type keyDef struct {
	key  string
	code string
	vk   int64
	text string
}

var namedKeys = map[string]keyDef{
	"enter":      {key: "Enter", code: "Enter", vk: 13, text: "\r"},
	"return":     {key: "Enter", code: "Enter", vk: 13, text: "\r"},
	"tab":        {key: "Tab", code: "Tab", vk: 9},
	"escape":     {key: "Escape", code: "Escape", vk: 27},
	"esc":        {key: "Escape", code: "Escape", vk: 27},
	"backspace":  {key: "Backspace", code: "Backspace", vk: 8},
	"delete":     {key: "Delete", code: "Delete", vk: 46},
	"insert":     {key: "Insert", code: "Insert", vk: 45},
	"space":      {key: " ", code: "Space", vk: 32, text: " "},
	"arrowleft":  {key: "ArrowLeft", code: "ArrowLeft", vk: 37},
	"arrowup":    {key: "ArrowUp", code: "ArrowUp", vk: 38},
	"arrowright": {key: "ArrowRight", code: "ArrowRight", vk: 39},
	"arrowdown":  {key: "ArrowDown", code: "ArrowDown", vk: 40},
	"left":       {key: "ArrowLeft", code: "ArrowLeft", vk: 37},
	"up":         {key: "ArrowUp", code: "ArrowUp", vk: 38},
	"right":      {key: "ArrowRight", code: "ArrowRight", vk: 39},
	"down":       {key: "ArrowDown", code: "ArrowDown", vk: 40},
	"home":       {key: "Home", code: "Home", vk: 36},
	"end":        {key: "End", code: "End", vk: 35},
	"pageup":     {key: "PageUp", code: "PageUp", vk: 33},
	"pagedown":   {key: "PageDown", code: "PageDown", vk: 34},
}

func init() {
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("f%d", i+1)
		namedKeys[name] = keyDef{
			key:  strings.ToUpper(name),
			code: strings.ToUpper(name),
			vk:   int64(112 + i),
		}
	}
}

// modifier keys are dispatched around the main key, innermost last.
var modifierKeys = map[string]struct {
	bit input.Modifier
	def keyDef
}{
	"control": {input.ModifierCtrl, keyDef{key: "Control", code: "ControlLeft", vk: 17}},
	"ctrl":    {input.ModifierCtrl, keyDef{key: "Control", code: "ControlLeft", vk: 17}},
	"shift":   {input.ModifierShift, keyDef{key: "Shift", code: "ShiftLeft", vk: 16}},
	"alt":     {input.ModifierAlt, keyDef{key: "Alt", code: "AltLeft", vk: 18}},
	"meta":    {input.ModifierMeta, keyDef{key: "Meta", code: "MetaLeft", vk: 91}},
	"cmd":     {input.ModifierMeta, keyDef{key: "Meta", code: "MetaLeft", vk: 91}},
	"command": {input.ModifierMeta, keyDef{key: "Meta", code: "MetaLeft", vk: 91}},
}

// modifierBits folds modifier names into the protocol's bitmask.
func modifierBits(names []string) (input.Modifier, error) {
	var mods input.Modifier
	for _, name := range names {
		m, ok := modifierKeys[strings.ToLower(name)]
		if !ok {
			return 0, invalidOp("unknown modifier %q", name)
		}
		mods |= m.bit
	}
	return mods, nil
}

// resolveKey maps one combo segment to a key definition. Single runes
// synthesize a definition so any typeable character works.
func resolveKey(segment string) (keyDef, error) {
	if def, ok := namedKeys[strings.ToLower(segment)]; ok {
		return def, nil
	}
	if utf8.RuneCountInString(segment) == 1 {
		r, _ := utf8.DecodeRuneInString(segment)
		def := keyDef{key: segment, text: segment}
		if r >= 'a' && r <= 'z' {
			def.vk = int64(unicode.ToUpper(r))
			def.code = "Key" + strings.ToUpper(segment)
		} else if r >= 'A' && r <= 'Z' {
			def.vk = int64(r)
			def.code = "Key" + segment
		} else if r >= '0' && r <= '9' {
			def.vk = int64(r)
			def.code = "Digit" + segment
		}
		return def, nil
	}
	return keyDef{}, invalidOp("unknown key %q", segment)
}

// parseCombo splits a "Control+Shift+T" chord into held modifiers and the
// main key. A trailing "+" names the plus key itself.
func parseCombo(combo string) ([]keyDef, input.Modifier, keyDef, error) {
	if combo == "" {
		return nil, 0, keyDef{}, invalidOp("empty key combo")
	}
	segments := strings.Split(combo, "+")
	// "Control++" splits to ["Control", "", ""]: the empty tail means the
	// literal plus key.
	cleaned := make([]string, 0, len(segments))
	for i, seg := range segments {
		if seg == "" {
			if i == len(segments)-1 {
				cleaned = append(cleaned, "+")
			}
			continue
		}
		cleaned = append(cleaned, seg)
	}
	if len(cleaned) == 0 {
		return nil, 0, keyDef{}, invalidOp("empty key combo")
	}

	var held []keyDef
	var mods input.Modifier
	for _, seg := range cleaned[:len(cleaned)-1] {
		m, ok := modifierKeys[strings.ToLower(seg)]
		if !ok {
			return nil, 0, keyDef{}, invalidOp("%q is not a modifier", seg)
		}
		held = append(held, m.def)
		mods |= m.bit
	}

	main, err := resolveKey(cleaned[len(cleaned)-1])
	if err != nil {
		return nil, 0, keyDef{}, err
	}
	return held, mods, main, nil
}

// Press dispatches a key chord to the focused element: modifier downs, the
// main key down and up, then modifier ups in reverse order.
func (b *Browser) Press(ctx context.Context, id target.ID, combo string) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}
	held, mods, main, err := parseCombo(combo)
	if err != nil {
		return err
	}

	return b.runCommand(ctx, t, "press", combo, func(ctx context.Context) error {
		var down input.Modifier
		for _, def := range held {
			down |= modifierBitFor(def.key)
			if err := b.dispatchKey(ctx, session, input.KeyDown, def, down); err != nil {
				return err
			}
		}

		// Shortcuts must not also insert text: suppress it when a
		// non-shift modifier is held.
		mainDef := main
		if mods&(input.ModifierCtrl|input.ModifierMeta|input.ModifierAlt) != 0 {
			mainDef.text = ""
		}
		if err := b.dispatchKey(ctx, session, input.KeyDown, mainDef, mods); err != nil {
			return err
		}
		if err := b.dispatchKey(ctx, session, input.KeyUp, mainDef, mods); err != nil {
			return err
		}

		for i := len(held) - 1; i >= 0; i-- {
			down &^= modifierBitFor(held[i].key)
			if err := b.dispatchKey(ctx, session, input.KeyUp, held[i], down); err != nil {
				return err
			}
		}
		return nil
	})
}

func modifierBitFor(key string) input.Modifier {
	if m, ok := modifierKeys[strings.ToLower(key)]; ok {
		return m.bit
	}
	return 0
}

func (b *Browser) dispatchKey(ctx context.Context, session target.SessionID, kind input.KeyType, def keyDef, mods input.Modifier) error {
	params := &input.DispatchKeyEventParams{
		Type:                  kind,
		Key:                   def.key,
		Code:                  def.code,
		WindowsVirtualKeyCode: def.vk,
		NativeVirtualKeyCode:  def.vk,
		Modifiers:             mods,
	}
	if kind == input.KeyDown && def.text != "" {
		params.Text = def.text
		params.UnmodifiedText = def.text
	}
	return b.client.Call(ctx, string(session), "Input.dispatchKeyEvent", params, nil)
}
