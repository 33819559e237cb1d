// Package integration provides end-to-end tests for the Research Node client.
package integration

import (
	"bytes"
	"os"
	"testing"

	"github.com/clinsight/rnode-client/internal/nodetest"
)

// TestPersistedStateHoldsNoSecrets logs in, tears the client down, and
// scans the raw bbolt file for the secrets the node handed out. Tokens
// and channel keys reach storage only in wrapped form; the readable
// fields prove the scan is looking at the right records.
func TestPersistedStateHoldsNoSecrets(t *testing.T) {
	s := newStack(t, nodetest.DefaultConfig())

	s.login()
	st := s.mw.Status()

	tokens := s.node.SessionTokens()
	if len(tokens) == 0 {
		t.Fatal("node issued no session tokens")
	}
	keys := s.node.ChannelKeyBytes()
	if len(keys) == 0 {
		t.Fatal("node holds no channel keys")
	}

	s.stop()

	raw, err := os.ReadFile(s.dbPath)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", s.dbPath, err)
	}

	for _, token := range tokens {
		if bytes.Contains(raw, []byte(token)) {
			t.Errorf("store contains session token %q in the clear", token)
		}
	}
	for i, key := range keys {
		if bytes.Contains(raw, key) {
			t.Errorf("store contains channel key %d in the clear", i)
		}
	}
	if bytes.Contains(raw, []byte(stackPassword)) {
		t.Error("store contains the login password")
	}
	if bytes.Contains(raw, []byte(stackKeyPass)) {
		t.Error("store contains the private key password")
	}

	// Readable fields that must be present.
	if !bytes.Contains(raw, []byte(st.Channel.ChannelID)) {
		t.Errorf("store is missing channel id %q", st.Channel.ChannelID)
	}
	if !bytes.Contains(raw, []byte(st.Session.SessionID)) {
		t.Errorf("store is missing session id %q", st.Session.SessionID)
	}
	if !bytes.Contains(raw, []byte(stackUser)) {
		t.Errorf("store is missing username %q", stackUser)
	}
	if !bytes.Contains(raw, []byte(stackPrefix)) {
		t.Errorf("store is missing key prefix %q", stackPrefix)
	}
}
