// Package server exposes the key store as a gRPC admin service.
//
// Messages are plain Go structs carried by a JSON codec registered under
// the "json" content subtype; clients must call with
// grpc.CallContentSubtype(CodecName), which Client does.
package server

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/peer"

	"github.com/glinharesb/keyring-go/internal/audit"
	"github.com/glinharesb/keyring-go/internal/interceptor"
	"github.com/glinharesb/keyring-go/internal/keystore"
	"github.com/glinharesb/keyring-go/internal/rotation"
)

// HistoryLister reads persisted rotation history.
type HistoryLister interface {
	List(ctx context.Context, keyID string, limit int) ([]rotation.RotationHistory, error)
}

// Server implements KeyRingService over a guarded key store.
type Server struct {
	store     *keystore.Guarded
	rotator   *rotation.Service
	policy    rotation.KeyRotationPolicy
	audit     *audit.Logger
	history   HistoryLister
	backupDir string
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAudit records every mutating call and enables QueryAudit and
// WatchAudit.
func WithAudit(l *audit.Logger) Option { return func(s *Server) { s.audit = l } }

// WithHistory enables RotationHistory.
func WithHistory(h HistoryLister) Option { return func(s *Server) { s.history = h } }

// WithBackupDir sets the directory used when a Backup request names none.
func WithBackupDir(dir string) Option { return func(s *Server) { s.backupDir = dir } }

// WithPolicy sets the base rotation policy; ring schedules override its
// interval and version cap.
func WithPolicy(p rotation.KeyRotationPolicy) Option { return func(s *Server) { s.policy = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New creates a Server over store. The audit trail and rotation history
// are only served when supplied through options.
func New(store *keystore.Guarded, rotator *rotation.Service, opts ...Option) *Server {
	s := &Server{
		store:   store,
		rotator: rotator,
		policy:  rotation.DefaultPolicy(),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.backupDir == "" {
		store.Do(func(ks *keystore.KeyStore) error {
			s.backupDir = ks.Dir()
			return nil
		})
	}
	return s
}

// record sends an audit event stamped with the caller's actor and peer.
func (s *Server) record(ctx context.Context, ev audit.Event) {
	if s.audit == nil {
		return
	}
	ev.Actor = interceptor.ActorFromContext(ctx)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ev.Peer = p.Addr.String()
	}
	s.audit.Log(ev)
}
