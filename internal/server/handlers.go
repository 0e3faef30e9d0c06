package server

import (
	"context"
	"strconv"

	"github.com/awnumar/memguard"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/glinharesb/keyring-go/internal/audit"
	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/interceptor"
	"github.com/glinharesb/keyring-go/internal/keyring"
	"github.com/glinharesb/keyring-go/internal/keystore"
	"github.com/glinharesb/keyring-go/internal/rotation"
)

var _ KeyRingService = (*Server)(nil)

func (s *Server) Initialize(ctx context.Context, req *KeyRequest) (*keyring.KeyVersion, error) {
	var kv keyring.KeyVersion
	err := s.store.Do(func(ks *keystore.KeyStore) (err error) {
		kv, err = ks.Initialize(req.KeyID, interceptor.ActorFromContext(ctx))
		return err
	})
	s.record(ctx, audit.Event{Operation: "Initialize", KeyID: req.KeyID, Version: kv.Version, Err: err})
	if err != nil {
		return nil, toStatus(err)
	}
	return &kv, nil
}

func (s *Server) CreateKeyRing(ctx context.Context, req *KeyRequest) (*keyring.KeyVersion, error) {
	var kv keyring.KeyVersion
	err := s.store.Do(func(ks *keystore.KeyStore) (err error) {
		kv, err = ks.CreateKeyRing(req.KeyID, interceptor.ActorFromContext(ctx))
		return err
	})
	s.record(ctx, audit.Event{Operation: "CreateKeyRing", KeyID: req.KeyID, Version: kv.Version, Err: err})
	if err != nil {
		return nil, toStatus(err)
	}
	return &kv, nil
}

// RotateKey rotates through the rotation service so the attempt lands in
// the rotation history.
func (s *Server) RotateKey(ctx context.Context, req *RotateKeyRequest) (*keyring.RotationResult, error) {
	actor := interceptor.ActorFromContext(ctx)
	var res keyring.RotationResult
	err := s.store.Do(func(ks *keystore.KeyStore) error {
		return ks.Update(func(m *keyring.Manager, key []byte) error {
			ring, err := m.Ring(req.KeyID)
			if err != nil {
				return err
			}
			h, _, err := s.rotator.ExecuteRotation(ctx, ring, key, actor, req.Reason)
			if h == nil || h.Status != rotation.StatusCompleted {
				return err
			}
			if err != nil {
				s.logger.WarnContext(ctx, "rotation completed with error", "key_id", ring.KeyID, "error", err)
			}
			res = keyring.RotationResult{
				KeyID:                ring.KeyID,
				PreviousVersion:      h.FromVersion,
				NewVersion:           h.ToVersion,
				RotatedAt:            *h.CompletedAt,
				ReencryptionRequired: true,
			}
			return m.TouchSchedule(ring.KeyID, res.RotatedAt)
		})
	})
	s.record(ctx, audit.Event{
		Operation: "RotateKey",
		KeyID:     firstNonEmpty(res.KeyID, req.KeyID),
		Version:   res.NewVersion,
		Err:       err,
		Metadata:  reasonMetadata(req.Reason),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) GetKeyInfo(ctx context.Context, req *KeyRequest) (*keyring.KeyInfo, error) {
	var info keyring.KeyInfo
	err := s.store.Do(func(ks *keystore.KeyStore) (err error) {
		info, err = ks.Manager().KeyInfo(req.KeyID)
		return err
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &info, nil
}

func (s *Server) ListKeys(ctx context.Context, _ *Empty) (*ListKeysResponse, error) {
	resp := &ListKeysResponse{}
	s.store.Do(func(ks *keystore.KeyStore) error {
		resp.Keys = ks.Manager().ListKeys()
		return nil
	})
	return resp, nil
}

func (s *Server) GetRotationStatus(ctx context.Context, _ *Empty) (*RotationStatusResponse, error) {
	resp := &RotationStatusResponse{}
	s.store.Do(func(ks *keystore.KeyStore) error {
		resp.Statuses = ks.Manager().RotationStatus()
		return nil
	})
	return resp, nil
}

// SetRotationInterval updates the ring's schedule. Days is applied when
// set, or when nothing else is, so an empty request is rejected.
func (s *Server) SetRotationInterval(ctx context.Context, req *SetRotationIntervalRequest) (*Empty, error) {
	err := s.store.Do(func(ks *keystore.KeyStore) error {
		return ks.Update(func(m *keyring.Manager, _ []byte) error {
			if req.Days != 0 || (req.AutoRotate == nil && req.MaxVersions == 0) {
				if err := m.SetRotationInterval(req.KeyID, req.Days); err != nil {
					return err
				}
			}
			if req.AutoRotate != nil {
				if err := m.SetAutoRotate(req.KeyID, *req.AutoRotate); err != nil {
					return err
				}
			}
			if req.MaxVersions != 0 {
				return m.SetMaxVersions(req.KeyID, req.MaxVersions)
			}
			return nil
		})
	})
	s.record(ctx, audit.Event{
		Operation: "SetRotationInterval",
		KeyID:     req.KeyID,
		Err:       err,
		Metadata:  map[string]string{"days": strconv.FormatUint(uint64(req.Days), 10)},
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// PlanRotation plans and validates a rotation to the target version and,
// when asked, executes it. Steps that completed before a failure are
// saved.
func (s *Server) PlanRotation(ctx context.Context, req *PlanRotationRequest) (*PlanRotationResponse, error) {
	actor := interceptor.ActorFromContext(ctx)
	resp := &PlanRotationResponse{}
	var execErr error

	err := s.store.Do(func(ks *keystore.KeyStore) error {
		m := ks.Manager()
		ring, err := m.Ring(req.KeyID)
		if err != nil {
			return err
		}
		plan, err := s.rotator.CreateRotationPlan(ring, req.TargetVersion)
		if err != nil {
			return err
		}
		policy := s.policyFor(m, ring.KeyID)
		resp.Plan = plan
		verr := s.rotator.ValidateRotation(ring, plan, policy)
		resp.Valid = verr == nil
		if verr != nil {
			resp.ValidationError = verr.Error()
		}
		if !req.Execute {
			return nil
		}
		if verr != nil {
			return verr
		}

		return ks.Update(func(m *keyring.Manager, key []byte) error {
			ring, err := m.Ring(plan.KeyID)
			if err != nil {
				return err
			}
			resp.Executed, execErr = s.rotator.ExecutePlan(ctx, ring, plan, policy, key, actor, req.Reason)
			var last *rotation.RotationHistory
			for _, h := range resp.Executed {
				if h.Status == rotation.StatusCompleted {
					last = h
				}
			}
			if last == nil {
				return nil
			}
			return m.TouchSchedule(ring.KeyID, *last.CompletedAt)
		})
	})
	if err == nil {
		err = execErr
	}
	if req.Execute {
		s.record(ctx, audit.Event{
			Operation: "ExecuteRotationPlan",
			KeyID:     firstNonEmpty(resp.Plan.KeyID, req.KeyID),
			Version:   req.TargetVersion,
			Err:       err,
			Metadata:  map[string]string{"steps": strconv.Itoa(len(resp.Executed))},
		})
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Server) DeprecateVersion(ctx context.Context, req *VersionRequest) (*Empty, error) {
	err := s.store.Do(func(ks *keystore.KeyStore) error {
		return ks.Update(func(m *keyring.Manager, _ []byte) error {
			return m.DeprecateVersion(req.KeyID, req.Version)
		})
	})
	s.record(ctx, audit.Event{Operation: "DeprecateVersion", KeyID: req.KeyID, Version: req.Version, Err: err})
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) CleanupOldKeys(ctx context.Context, req *CleanupRequest) (*CleanupResponse, error) {
	resp := &CleanupResponse{}
	err := s.store.Do(func(ks *keystore.KeyStore) error {
		return ks.Update(func(m *keyring.Manager, _ []byte) (err error) {
			resp.Removed, err = m.CleanupOldKeys(req.KeyID, req.KeepVersions)
			return err
		})
	})
	s.record(ctx, audit.Event{
		Operation: "CleanupOldKeys",
		KeyID:     req.KeyID,
		Err:       err,
		Metadata:  map[string]string{"removed": strconv.Itoa(resp.Removed)},
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Server) GetRecommendation(ctx context.Context, req *KeyRequest) (*RecommendationResponse, error) {
	resp := &RecommendationResponse{}
	err := s.store.Do(func(ks *keystore.KeyStore) error {
		m := ks.Manager()
		ring, err := m.Ring(req.KeyID)
		if err != nil {
			return err
		}
		policy := s.policyFor(m, ring.KeyID)
		resp.Recommendation = s.rotator.GetRotationRecommendation(ring, policy)
		resp.Expiration = s.rotator.CheckKeyExpiration(ring.PrimaryKey.Metadata, policy)
		if err := s.rotator.CanRotate(ring, policy); err != nil {
			resp.Blocker = err.Error()
		} else {
			resp.CanRotate = true
		}
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Server) Backup(ctx context.Context, req *BackupRequest) (*BackupResponse, error) {
	dir := firstNonEmpty(req.Dir, s.backupDir)
	var path string
	err := s.store.Do(func(ks *keystore.KeyStore) (err error) {
		path, err = ks.Backup(dir)
		return err
	})
	s.record(ctx, audit.Event{Operation: "Backup", Err: err, Metadata: map[string]string{"path": path}})
	if err != nil {
		return nil, toStatus(err)
	}
	return &BackupResponse{Path: path}, nil
}

func (s *Server) ListBackups(ctx context.Context, req *BackupRequest) (*ListBackupsResponse, error) {
	backups, err := keystore.ListBackups(firstNonEmpty(req.Dir, s.backupDir))
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListBackupsResponse{Backups: backups}, nil
}

// RotateMasterKey re-encrypts the store under a new master key and, if
// asked, rewraps every data key as well.
func (s *Server) RotateMasterKey(ctx context.Context, req *RotateMasterKeyRequest) (*RotateMasterKeyResponse, error) {
	oldKey, err := crypto.ParseMasterKey(req.OldKey)
	if err != nil {
		return nil, toStatus(err)
	}
	defer memguard.WipeBytes(oldKey)
	newKey, err := crypto.ParseMasterKey(req.NewKey)
	if err != nil {
		return nil, toStatus(err)
	}
	defer memguard.WipeBytes(newKey)

	resp := &RotateMasterKeyResponse{}
	err = s.store.Do(func(ks *keystore.KeyStore) error {
		if err := ks.RotateMasterKey(oldKey, newKey); err != nil {
			return err
		}
		if req.RewrapDataKeys {
			err := ks.Update(func(m *keyring.Manager, _ []byte) (err error) {
				resp.Rewrapped, err = m.RewrapDataKeys(oldKey, newKey)
				return err
			})
			if err != nil {
				return err
			}
		}
		resp.MasterKeyHash = ks.Manager().MasterKeyHash()
		return nil
	})
	s.record(ctx, audit.Event{
		Operation: "RotateMasterKey",
		Err:       err,
		Metadata:  map[string]string{"rewrapped": strconv.Itoa(resp.Rewrapped)},
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Server) QueryAudit(ctx context.Context, req *QueryAuditRequest) (*QueryAuditResponse, error) {
	if s.audit == nil {
		return nil, status.Error(codes.FailedPrecondition, "audit trail is disabled")
	}
	entries := s.audit.Query(audit.Filter{
		KeyID:     req.KeyID,
		Operation: req.Operation,
		Actor:     req.Actor,
		Since:     req.Since,
		Until:     req.Until,
		Limit:     req.Limit,
	})
	return &QueryAuditResponse{Entries: entries}, nil
}

func (s *Server) RotationHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	if s.history == nil {
		return nil, status.Error(codes.FailedPrecondition, "rotation history is disabled")
	}
	entries, err := s.history.List(ctx, req.KeyID, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryResponse{Entries: entries}, nil
}

// WatchAudit streams audit entries as they are recorded until the client
// goes away or the audit logger closes.
func (s *Server) WatchAudit(req *WatchAuditRequest, stream grpc.ServerStream) error {
	if s.audit == nil {
		return status.Error(codes.FailedPrecondition, "audit trail is disabled")
	}
	sub := s.audit.Subscribe()
	defer s.audit.Unsubscribe(sub)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case entry, ok := <-sub.C:
			if !ok {
				return nil
			}
			if req.KeyID != "" && entry.KeyID != req.KeyID {
				continue
			}
			if err := stream.SendMsg(&entry); err != nil {
				return err
			}
		}
	}
}

// policyFor overlays the ring's schedule on the base policy.
func (s *Server) policyFor(m *keyring.Manager, keyID string) rotation.KeyRotationPolicy {
	sched, err := m.Schedule(keyID)
	if err != nil {
		return s.policy
	}
	return s.policy.ForSchedule(sched)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func reasonMetadata(reason string) map[string]string {
	if reason == "" {
		return nil
	}
	return map[string]string{"reason": reason}
}
