package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/glinharesb/keyring-go/internal/audit"
	"github.com/glinharesb/keyring-go/internal/interceptor"
	"github.com/glinharesb/keyring-go/internal/keyring"
)

// Client calls KeyRingService over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc, typically a *grpc.ClientConn dialed to the server.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any, opts ...grpc.CallOption) (*Resp, error) {
	resp := new(Resp)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, fullMethod(method), req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Initialize(ctx context.Context, keyID string) (*keyring.KeyVersion, error) {
	return invoke[keyring.KeyVersion](ctx, c, "Initialize", &KeyRequest{KeyID: keyID})
}

func (c *Client) CreateKeyRing(ctx context.Context, keyID string) (*keyring.KeyVersion, error) {
	return invoke[keyring.KeyVersion](ctx, c, "CreateKeyRing", &KeyRequest{KeyID: keyID})
}

func (c *Client) RotateKey(ctx context.Context, keyID, reason string) (*keyring.RotationResult, error) {
	return invoke[keyring.RotationResult](ctx, c, "RotateKey", &RotateKeyRequest{KeyID: keyID, Reason: reason})
}

func (c *Client) GetKeyInfo(ctx context.Context, keyID string) (*keyring.KeyInfo, error) {
	return invoke[keyring.KeyInfo](ctx, c, "GetKeyInfo", &KeyRequest{KeyID: keyID})
}

func (c *Client) ListKeys(ctx context.Context) ([]keyring.KeyInfo, error) {
	resp, err := invoke[ListKeysResponse](ctx, c, "ListKeys", &Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *Client) GetRotationStatus(ctx context.Context) ([]keyring.RotationStatus, error) {
	resp, err := invoke[RotationStatusResponse](ctx, c, "GetRotationStatus", &Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

func (c *Client) SetRotationInterval(ctx context.Context, req *SetRotationIntervalRequest) error {
	_, err := invoke[Empty](ctx, c, "SetRotationInterval", req)
	return err
}

func (c *Client) PlanRotation(ctx context.Context, req *PlanRotationRequest) (*PlanRotationResponse, error) {
	return invoke[PlanRotationResponse](ctx, c, "PlanRotation", req)
}

func (c *Client) DeprecateVersion(ctx context.Context, keyID string, version uint32) error {
	_, err := invoke[Empty](ctx, c, "DeprecateVersion", &VersionRequest{KeyID: keyID, Version: version})
	return err
}

func (c *Client) CleanupOldKeys(ctx context.Context, keyID string, keep uint32) (int, error) {
	resp, err := invoke[CleanupResponse](ctx, c, "CleanupOldKeys", &CleanupRequest{KeyID: keyID, KeepVersions: keep})
	if err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

func (c *Client) GetRecommendation(ctx context.Context, keyID string) (*RecommendationResponse, error) {
	return invoke[RecommendationResponse](ctx, c, "GetRecommendation", &KeyRequest{KeyID: keyID})
}

func (c *Client) Backup(ctx context.Context, dir string) (string, error) {
	resp, err := invoke[BackupResponse](ctx, c, "Backup", &BackupRequest{Dir: dir})
	if err != nil {
		return "", err
	}
	return resp.Path, nil
}

func (c *Client) ListBackups(ctx context.Context, dir string) (*ListBackupsResponse, error) {
	return invoke[ListBackupsResponse](ctx, c, "ListBackups", &BackupRequest{Dir: dir})
}

func (c *Client) RotateMasterKey(ctx context.Context, req *RotateMasterKeyRequest) (*RotateMasterKeyResponse, error) {
	return invoke[RotateMasterKeyResponse](ctx, c, "RotateMasterKey", req)
}

func (c *Client) QueryAudit(ctx context.Context, req *QueryAuditRequest) ([]audit.Entry, error) {
	resp, err := invoke[QueryAuditResponse](ctx, c, "QueryAudit", req)
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) RotationHistory(ctx context.Context, keyID string, limit int) (*HistoryResponse, error) {
	return invoke[HistoryResponse](ctx, c, "RotationHistory", &HistoryRequest{KeyID: keyID, Limit: limit})
}

// AuditStream receives entries from WatchAudit.
type AuditStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next entry. It returns io.EOF when the server ends
// the stream.
func (s *AuditStream) Recv() (audit.Entry, error) {
	var e audit.Entry
	if err := s.stream.RecvMsg(&e); err != nil {
		return audit.Entry{}, err
	}
	return e, nil
}

// WatchAudit opens an audit stream filtered to keyID, or all keys when
// keyID is empty. Cancel ctx to close it.
func (c *Client) WatchAudit(ctx context.Context, keyID string) (*AuditStream, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, fullMethod(desc.StreamName), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&WatchAuditRequest{KeyID: keyID}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &AuditStream{stream: stream}, nil
}

// TokenAuth returns per-RPC credentials sending a bearer token and the
// caller's actor. Either may be empty.
func TokenAuth(token, actor string) credentials.PerRPCCredentials {
	return tokenAuth{token: token, actor: actor}
}

type tokenAuth struct {
	token string
	actor string
}

func (a tokenAuth) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	md := make(map[string]string, 2)
	if a.token != "" {
		md["authorization"] = "Bearer " + a.token
	}
	if a.actor != "" {
		md[interceptor.ActorHeader] = a.actor
	}
	return md, nil
}

// RequireTransportSecurity is false; the admin endpoint may run in
// plaintext on a private network.
func (tokenAuth) RequireTransportSecurity() bool { return false }
