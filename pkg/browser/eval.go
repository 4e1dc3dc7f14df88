package browser

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
	"github.com/mattn/go-runewidth"
)

// isFunctionExpression accepts the shapes the bridge will call: an arrow
// function, possibly async, or a function expression. Bare statements are
// rejected so callers cannot accidentally run half a script.
func isFunctionExpression(fn string) bool {
	s := strings.TrimSpace(fn)
	s = strings.TrimPrefix(s, "async ")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "function") {
		return true
	}
	if strings.HasPrefix(s, "(") {
		return true
	}
	// Single-parameter arrows without parentheses: "x => ..."
	if i := strings.Index(s, "=>"); i > 0 {
		param := strings.TrimSpace(s[:i])
		return param != "" && !strings.ContainsAny(param, " \t\n;{}")
	}
	return false
}

// Evaluate runs a function expression in the page with JSON-marshaled
// arguments and returns the stringified result: strings come back as
// themselves, everything else as its JSON form. Script exceptions are
// evaluation errors carrying the exception description.
func (b *Browser) Evaluate(ctx context.Context, id target.ID, fn string, args ...any) (string, error) {
	if !isFunctionExpression(fn) {
		return "", invalidOp("expression must be a function, e.g. (a, b) => a + b")
	}
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return "", err
	}

	marshaled := make([]string, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshaling evaluate argument")
		}
		marshaled = append(marshaled, string(data))
	}
	expression := "(" + fn + ")(" + strings.Join(marshaled, ", ") + ")"

	var out string
	err = b.runCommand(ctx, t, "eval", runewidth.Truncate(fn, 60, "…"), func(ctx context.Context) error {
		var res runtime.EvaluateReturns
		err := b.client.Call(ctx, string(session), "Runtime.evaluate", &runtime.EvaluateParams{
			Expression:    expression,
			ReturnByValue: true,
			AwaitPromise:  true,
			UserGesture:   true,
		}, &res)
		if err != nil {
			return err
		}
		if res.ExceptionDetails != nil {
			return evalFailed(exceptionMessage(res.ExceptionDetails))
		}
		out = stringifyRemote(res.Result)
		return nil
	})
	return out, err
}

// stringifyRemote renders an evaluation result the way callers expect to
// read it: strings verbatim, undefined as empty, and any other value as
// its JSON text.
func stringifyRemote(obj *runtime.RemoteObject) string {
	if obj == nil || obj.Type == "undefined" {
		return ""
	}
	if len(obj.Value) == 0 {
		return ""
	}
	if obj.Type == "string" {
		var s string
		if err := json.Unmarshal(obj.Value, &s); err == nil {
			return s
		}
	}
	return string(obj.Value)
}

// ElementByPrompt snapshots the page and asks the picker to choose an
// element from the numbered listing. The chosen index is validated against
// the fresh generation before a handle is returned.
func (b *Browser) ElementByPrompt(ctx context.Context, id target.ID, prompt string, pick PickFunc) (ElementRef, error) {
	if pick == nil {
		return ElementRef{}, invalidOp("no element picker configured")
	}
	if strings.TrimSpace(prompt) == "" {
		return ElementRef{}, invalidOp("empty prompt")
	}

	snap, err := b.Snapshot(ctx, id)
	if err != nil {
		return ElementRef{}, err
	}
	listing := snap.Listing(b.cfg.Snapshot.MaxTextLength)

	index, err := pick(ctx, prompt, listing)
	if err != nil {
		return ElementRef{}, apperrors.Wrap(err, apperrors.ErrCodeEvaluation, "element picker failed").
			WithContext("prompt", prompt)
	}

	t, err := b.resolveTarget(id)
	if err != nil {
		return ElementRef{}, err
	}
	ref := snap.Ref(index)
	if _, err := t.index.resolve(ref); err != nil {
		return ElementRef{}, invalidOp("picker chose index %d, which is not in the current listing", index)
	}
	return ref, nil
}
