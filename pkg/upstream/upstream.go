package upstream

import (
	"context"
	"fmt"

	"github.com/cuemby/hangar/pkg/types"
)

// SessionInfo is returned by a successful master directory login
type SessionInfo struct {
	SessionID string
	AccountID uint32
	ChatAddr  string
}

// UploadTarget tells the supervisor where to upload a replay
type UploadTarget struct {
	URL     string
	Method  string
	Headers map[string]string
}

// AuthError is a rejected login
type AuthError struct {
	Code   int
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (%d): %s", e.Code, e.Reason)
}

// VersionChecker reports the newest available version, or "" when unknown
type VersionChecker interface {
	CheckLatestVersion(ctx context.Context) (string, error)
}

// MasterDirectory is the upstream account and build service
type MasterDirectory interface {
	VersionChecker
	Authenticate(ctx context.Context, login, passwordHash string) (*SessionInfo, error)
	RequestReplayUpload(ctx context.Context, matchID string) (*UploadTarget, error)
}

// ServerInfo is announced to the chat service after connecting
type ServerInfo struct {
	Name     string
	Location string
	PublicIP string
	Workers  []types.PortMapping
}

// InboundKind identifies a frame pushed by the chat service
type InboundKind int

const (
	InboundReplayRequest InboundKind = iota
	InboundShutdownNotice
)

// Inbound is a request pushed by the chat service
type Inbound struct {
	Kind      InboundKind
	MatchID   string
	AccountID uint32
	Reason    string
}

// ChatService is the long-lived upstream control channel. Inbound is
// closed when the connection ends.
type ChatService interface {
	Connect(ctx context.Context, session *SessionInfo) (bool, error)
	SendServerInfo(ctx context.Context, info ServerInfo) error
	Heartbeat(ctx context.Context) error
	Inbound() <-chan Inbound
}
