package nodetest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinsight/rnode-client/internal/protocol"
)

func callFailure(code protocol.ErrorCode, message string) *protocol.CallResult {
	return &protocol.CallResult{Error: &protocol.CallError{Code: code, Message: message}}
}

func callOK(value any) *protocol.CallResult {
	raw, err := marshalResult(value)
	if err != nil {
		return callFailure(protocol.CodeInternal, "result encoding failed")
	}
	return &protocol.CallResult{OK: true, Result: raw}
}

// registerBuiltins installs the operations every node serves out of the
// box. Tests may replace them with Handle.
func (n *Node) registerBuiltins() {
	n.handlers["node/ping"] = func(_ *SessionInfo, _ json.RawMessage) (any, *protocol.CallError) {
		return map[string]any{
			"pong": true,
			"time": time.Now().UTC().Format(time.RFC3339),
		}, nil
	}

	n.handlers["profile/get"] = RequireSession(func(sess *SessionInfo, _ json.RawMessage) (any, *protocol.CallError) {
		return map[string]any{
			"username":    sess.Username,
			"displayName": sess.DisplayName,
			"roles":       sess.Roles,
		}, nil
	})
}

func (n *Node) dispatchSession(ch *nodeChannel, req *protocol.CallRequest, sess *SessionInfo) *protocol.CallResult {
	switch req.Operation {
	case protocol.OpAuthenticate:
		return n.opAuthenticate(ch, req)
	case protocol.OpWhoAmI:
		return n.opWhoAmI(sess)
	case protocol.OpRenew:
		return n.opRenew(req, sess)
	case protocol.OpLogout:
		return n.opLogout(req)
	default:
		return callFailure(protocol.CodeBadRequest, fmt.Sprintf("unknown operation %q", req.Operation))
	}
}

func (n *Node) opAuthenticate(ch *nodeChannel, req *protocol.CallRequest) *protocol.CallResult {
	var payload protocol.AuthenticationPayload
	if err := protocol.Decode(req.Body, &payload); err != nil {
		return callFailure(protocol.CodeBadRequest, "malformed credentials")
	}

	n.mu.Lock()
	u, ok := n.users[payload.Username]
	n.mu.Unlock()
	if !ok || u.Password != payload.Password {
		return callFailure(protocol.CodeUnauthorized, "invalid credentials")
	}

	sessionID, err := randomID("sess-", 8)
	if err != nil {
		return callFailure(protocol.CodeInternal, "id generation failed")
	}
	token, err := randomID("tok-", 24)
	if err != nil {
		return callFailure(protocol.CodeInternal, "token generation failed")
	}

	sess := &nodeSession{
		id:        sessionID,
		token:     token,
		username:  payload.Username,
		channelID: ch.id,
		expiresAt: time.Now().Add(n.cfg.SessionTTL),
	}
	n.mu.Lock()
	n.sessions[token] = sess
	n.mu.Unlock()

	return callOK(&protocol.AuthenticationResult{
		SessionID:   sessionID,
		Token:       token,
		ExpiresAt:   sess.expiresAt,
		DisplayName: u.DisplayName,
		Roles:       u.Roles,
	})
}

func (n *Node) opWhoAmI(sess *SessionInfo) *protocol.CallResult {
	if sess == nil {
		return callFailure(protocol.CodeSessionInvalid, "session required")
	}
	return callOK(&protocol.SessionWhoAmIResult{
		SessionID:   sess.SessionID,
		Username:    sess.Username,
		DisplayName: sess.DisplayName,
		Roles:       sess.Roles,
		ExpiresAt:   sess.ExpiresAt,
	})
}

// opRenew rotates the session token and extends the expiry. The old token
// stops working immediately.
func (n *Node) opRenew(req *protocol.CallRequest, sess *SessionInfo) *protocol.CallResult {
	if sess == nil {
		return callFailure(protocol.CodeSessionInvalid, "session required")
	}

	token, err := randomID("tok-", 24)
	if err != nil {
		return callFailure(protocol.CodeInternal, "token generation failed")
	}

	n.mu.Lock()
	old := n.sessions[req.SessionToken]
	if old == nil {
		n.mu.Unlock()
		return callFailure(protocol.CodeSessionInvalid, "unknown session token")
	}
	delete(n.sessions, req.SessionToken)
	old.token = token
	old.expiresAt = time.Now().Add(n.cfg.SessionTTL)
	n.sessions[token] = old
	expiresAt := old.expiresAt
	sessionID := old.id
	n.mu.Unlock()

	return callOK(&protocol.SessionRenewResult{
		SessionID: sessionID,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

func (n *Node) opLogout(req *protocol.CallRequest) *protocol.CallResult {
	if req.SessionToken != "" {
		n.mu.Lock()
		delete(n.sessions, req.SessionToken)
		n.mu.Unlock()
	}
	return callOK(map[string]any{"ok": true})
}
