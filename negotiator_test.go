package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type scriptedPeer struct {
	result  initializeResult
	callErr error

	proposed       initializeParams
	notified       []string
	stateAtNotify  NegotiationState
	neg            *negotiator
	notifyErr      error
	initializeSeen int
}

func (p *scriptedPeer) call(_ context.Context, method string, params any) (json.RawMessage, error) {
	if method != methodInitialize {
		return nil, errors.New("unexpected method " + method)
	}
	p.initializeSeen++
	p.proposed = params.(initializeParams)
	if p.callErr != nil {
		return nil, p.callErr
	}
	return json.Marshal(p.result)
}

func (p *scriptedPeer) notify(_ context.Context, method string, _ any) error {
	p.notified = append(p.notified, method)
	p.stateAtNotify = p.neg.State()
	return p.notifyErr
}

func TestNegotiatorHandshake(t *testing.T) {
	caps := ClientCapabilities{Roots: &RootsCapability{ListChanged: true}}
	neg := newNegotiator(Info{Name: "client", Version: "1"}, caps, nil, discardLogger())
	peer := &scriptedPeer{
		neg: neg,
		result: initializeResult{
			ProtocolVersion: "2025-06-18",
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
			ServerInfo:      Info{Name: "server", Version: "2"},
			Instructions:    "be nice",
		},
	}

	sess, err := neg.handshake(context.Background(), peer.call, peer.notify)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if peer.proposed.ProtocolVersion != SupportedProtocolVersions[0] {
		t.Errorf("expected proposal %q, got %q", SupportedProtocolVersions[0], peer.proposed.ProtocolVersion)
	}
	if diff := cmp.Diff(caps, peer.proposed.Capabilities); diff != "" {
		t.Errorf("advertised capabilities mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{methodNotificationsInitialized}, peer.notified); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
	if peer.stateAtNotify != NegotiationReady {
		t.Errorf("expected negotiator to be ready when confirming, got %s", peer.stateAtNotify)
	}

	want := NegotiatedSession{
		ProtocolVersion:    "2025-06-18",
		ClientCapabilities: caps,
		ServerCapabilities: ServerCapabilities{Tools: &ToolsCapability{}},
		ServerInfo:         Info{Name: "server", Version: "2"},
		Instructions:       "be nice",
		Initialized:        true,
	}
	if diff := cmp.Diff(want, sess); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}
	stored, ok := neg.Session()
	if !ok || !stored.Initialized {
		t.Errorf("expected stored initialized session, got %+v", stored)
	}
	if neg.State() != NegotiationReady {
		t.Errorf("expected ready state, got %s", neg.State())
	}

	_, err = neg.handshake(context.Background(), peer.call, peer.notify)
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
	if peer.initializeSeen != 1 {
		t.Errorf("expected a single initialize request, got %d", peer.initializeSeen)
	}
}

func TestNegotiatorVersions(t *testing.T) {
	tests := []struct {
		name     string
		versions []string
		answer   string
		wantErr  error
		wantAny  bool
	}{
		{
			name:   "server accepts proposal",
			answer: "2025-06-18",
		},
		{
			name:   "server downgrades to a supported version",
			answer: "2024-11-05",
		},
		{
			name:    "server answers unsupported version",
			answer:  "1999-01-01",
			wantErr: ErrUnsupportedProtocolVersion,
		},
		{
			name:     "custom version list",
			versions: []string{"2024-11-05"},
			answer:   "2025-06-18",
			wantErr:  ErrUnsupportedProtocolVersion,
		},
		{
			name:    "server answers without version",
			answer:  "",
			wantAny: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			neg := newNegotiator(Info{Name: "client"}, ClientCapabilities{}, tt.versions, discardLogger())
			peer := &scriptedPeer{neg: neg, result: initializeResult{ProtocolVersion: tt.answer}}

			sess, err := neg.handshake(context.Background(), peer.call, peer.notify)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
			case tt.wantAny:
				if err == nil {
					t.Error("expected error, got nil")
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if sess.ProtocolVersion != tt.answer {
					t.Errorf("expected version %q, got %q", tt.answer, sess.ProtocolVersion)
				}
				return
			}

			if neg.State() != NegotiationFailed {
				t.Errorf("expected failed state, got %s", neg.State())
			}
			if len(peer.notified) != 0 {
				t.Errorf("expected no initialized notification, got %v", peer.notified)
			}
		})
	}
}

func TestNegotiatorFailures(t *testing.T) {
	t.Run("initialize error", func(t *testing.T) {
		neg := newNegotiator(Info{}, ClientCapabilities{}, nil, discardLogger())
		peer := &scriptedPeer{neg: neg, callErr: &JSONRPCError{Code: CodeInvalidParams, Message: "bad"}}

		_, err := neg.handshake(context.Background(), peer.call, peer.notify)
		var rpcErr *JSONRPCError
		if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
			t.Errorf("expected invalid params error, got %v", err)
		}
		if _, ok := neg.Session(); ok {
			t.Error("expected no session after failed handshake")
		}
		if _, err := neg.handshake(context.Background(), peer.call, peer.notify); !errors.Is(err, ErrAlreadyInitialized) {
			t.Errorf("expected ErrAlreadyInitialized on retry, got %v", err)
		}
	})

	t.Run("confirmation error", func(t *testing.T) {
		neg := newNegotiator(Info{}, ClientCapabilities{}, nil, discardLogger())
		peer := &scriptedPeer{
			neg:       neg,
			result:    initializeResult{ProtocolVersion: SupportedProtocolVersions[0]},
			notifyErr: ErrConnectionLost,
		}

		_, err := neg.handshake(context.Background(), peer.call, peer.notify)
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("expected ErrConnectionLost, got %v", err)
		}
		if neg.State() != NegotiationFailed {
			t.Errorf("expected failed state, got %s", neg.State())
		}
	})
}

func TestHandshakeMethod(t *testing.T) {
	for _, method := range []string{methodInitialize, methodPing, methodNotificationsInitialized, methodNotificationsCancelled} {
		if !handshakeMethod(method) {
			t.Errorf("expected %s to be allowed during the handshake", method)
		}
	}
	for _, method := range []string{MethodToolsList, MethodPromptsGet, methodNotificationsRootsListChanged} {
		if handshakeMethod(method) {
			t.Errorf("expected %s to wait for the handshake", method)
		}
	}
}
