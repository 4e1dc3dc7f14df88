package browser

import (
	"context"
	"encoding/json"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
)

// nodeObject resolves a protocol node id to a script object handle. A node
// that stopped resolving usually lost a race with layout or navigation, so
// the error is retryable; the dispatcher decides whether to try again.
func (b *Browser) nodeObject(ctx context.Context, session target.SessionID, id cdp.BackendNodeID) (runtime.RemoteObjectID, error) {
	var res dom.ResolveNodeReturns
	err := b.client.Call(ctx, string(session), "DOM.resolveNode",
		&dom.ResolveNodeParams{BackendNodeID: id}, &res)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeProtocol, "node no longer resolvable").
			WithRetryable(true)
	}
	if res.Object == nil || res.Object.ObjectID == "" {
		return "", apperrors.New(apperrors.ErrCodeProtocol, "node resolved to no object").
			WithRetryable(true)
	}
	return res.Object.ObjectID, nil
}

// callOnNode runs fnDecl with the node bound as this and JSON-marshaled
// args, returning the by-value result into out. Script exceptions surface
// as evaluation errors.
func (b *Browser) callOnNode(ctx context.Context, session target.SessionID, id cdp.BackendNodeID, fnDecl string, out any, args ...any) error {
	objectID, err := b.nodeObject(ctx, session, id)
	if err != nil {
		return err
	}
	defer func() {
		_ = b.client.Call(ctx, string(session), "Runtime.releaseObject",
			&runtime.ReleaseObjectParams{ObjectID: objectID}, nil)
	}()

	callArgs := make([]*runtime.CallArgument, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshaling script argument")
		}
		callArgs = append(callArgs, &runtime.CallArgument{Value: easyjson.RawMessage(data)})
	}

	var res runtime.CallFunctionOnReturns
	err = b.client.Call(ctx, string(session), "Runtime.callFunctionOn", &runtime.CallFunctionOnParams{
		FunctionDeclaration: fnDecl,
		ObjectID:            objectID,
		Arguments:           callArgs,
		ReturnByValue:       true,
		AwaitPromise:        true,
	}, &res)
	if err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return evalFailed(exceptionMessage(res.ExceptionDetails))
	}
	if out != nil && res.Result != nil && len(res.Result.Value) > 0 {
		if err := json.Unmarshal(res.Result.Value, out); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeEvaluation, "decoding script result")
		}
	}
	return nil
}

func exceptionMessage(d *runtime.ExceptionDetails) string {
	if d == nil {
		return "script exception"
	}
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	if d.Text != "" {
		return d.Text
	}
	return "script exception"
}
