// Package durableiterator builds a long-lived, reconnecting event iterator
// on top of a short-lived bearer token: it refetches the token before each
// reconnect via a caller-supplied snapshot of the original RPC call, embeds
// it in the websocket URL under a fixed query parameter, and hands the
// transport to the retry engine's resumable iterator.
package durableiterator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/flowstream/eventcore/internal/peer"
	"github.com/flowstream/eventcore/internal/retry"
)

// TokenParam is the fixed query parameter name carrying the current token
// on every durable-iterator websocket connection, per the wire contract.
const TokenParam = "eventcore_token"

// TokenSource reissues a fresh short-lived token for the same logical
// call. It is a replay of the original RPC invocation (same path, input,
// and cancellation signal), not a raw token refresh endpoint — the link
// never assumes it can renew a token without repeating the call.
type TokenSource func(ctx context.Context) (token string, err error)

// URLSupplier builds the resilient websocket URL: the base template with
// the current token embedded under TokenParam.
type URLSupplier struct {
	baseURL string
	tokens  TokenSource
}

// NewURLSupplier creates a URLSupplier over a websocket URL template
// (without the token query parameter) and a TokenSource used to refresh
// it on every reconnect.
func NewURLSupplier(baseURL string, tokens TokenSource) *URLSupplier {
	return &URLSupplier{baseURL: baseURL, tokens: tokens}
}

// Next fetches a fresh token and returns the websocket URL carrying it.
func (s *URLSupplier) Next(ctx context.Context) (string, error) {
	tok, err := s.tokens(ctx)
	if err != nil {
		return "", fmt.Errorf("durableiterator: refetch token: %w", err)
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("durableiterator: invalid base url: %w", err)
	}
	q := u.Query()
	q.Set(TokenParam, tok)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Decode unmarshals one websocket text message into T via decode. It is a
// thin seam so Open can stay transport-agnostic of the payload shape.
type Decode[T any] func(raw []byte) (T, string, error) // returns (value, eventID, error)

// DecodePeerFrame is the canonical Decode[T] for a server speaking the peer
// wire contract's text framing (internal/peer): it parses the
// <id>|<tag>|<json> frame, requires a KindEventIterator frame, and
// unmarshals its Data into T, lifting the event id from the frame's meta.
// Both server transports in this codebase -- internal/httpapi's websocket
// endpoint and internal/durableobject.Hub -- emit exactly this framing, so
// a durable-iterator client built against either uses this decode.
//
// A "done" or "error" terminator frame has no T to decode: "done" is
// reported as io.EOF and "error" as a distinct non-EOF error. Open's caller
// sees either as a dropped frame via onDecodeError rather than a fatal read
// error, since the server closes the socket immediately after in both cases.
func DecodePeerFrame[T any](raw []byte) (T, string, error) {
	var zero T

	frame, err := peer.DecodeText(string(raw))
	if err != nil {
		return zero, "", fmt.Errorf("durableiterator: decode frame: %w", err)
	}
	payload, err := frame.UnmarshalIterator()
	if err != nil {
		return zero, "", err
	}

	switch payload.Event {
	case peer.IteratorDone:
		return zero, "", io.EOF
	case peer.IteratorError:
		return zero, "", fmt.Errorf("durableiterator: server reported iterator error")
	}

	var value T
	if err := json.Unmarshal(payload.Data, &value); err != nil {
		return zero, "", fmt.Errorf("durableiterator: unmarshal payload: %w", err)
	}

	id := ""
	if payload.Meta != nil {
		id = payload.Meta.ID
	}
	return value, id, nil
}

// Open connects (or reconnects) a durable iterator websocket using the
// current token from supplier, replaying from lastEventID via the
// transport's own query convention, and decodes each frame with decode.
// onDecodeError, if non-nil, is notified of dropped frames; it never
// terminates the subscription. It satisfies retry.OpenIterator's shape
// once instantiated for a type T via a closure, since Go methods cannot be
// generic.
func Open[T any](supplier *URLSupplier, decode Decode[T], lastEventIDParam string, onDecodeError func(error)) retry.OpenIterator {
	return func(ctx context.Context, lastEventID string) (<-chan retry.IteratorItem, <-chan error, error) {
		wsURL, err := supplier.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if lastEventID != "" {
			u, parseErr := url.Parse(wsURL)
			if parseErr != nil {
				return nil, nil, fmt.Errorf("durableiterator: invalid reconnect url: %w", parseErr)
			}
			q := u.Query()
			q.Set(lastEventIDParam, lastEventID)
			u.RawQuery = q.Encode()
			wsURL = u.String()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("durableiterator: dial: %w", err)
		}

		items := make(chan retry.IteratorItem)
		errs := make(chan error, 1)

		go func() {
			defer close(items)
			defer conn.Close()
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					if isNormalClose(err) {
						errs <- nil
					} else {
						errs <- fmt.Errorf("durableiterator: read: %w", err)
					}
					return
				}
				value, eventID, err := decode(raw)
				if err != nil {
					if onDecodeError != nil {
						onDecodeError(fmt.Errorf("durableiterator: decode frame: %w", err))
					}
					continue
				}
				select {
				case items <- retry.IteratorItem{EventID: eventID, Payload: value}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}()

		return items, errs, nil
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
	)
}
