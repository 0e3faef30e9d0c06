package server

import (
	"context"

	"google.golang.org/grpc"

	"github.com/glinharesb/keyring-go/internal/keyring"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "keyring.v1.KeyRingService"

// KeyRingService is the admin API served by Server.
type KeyRingService interface {
	Initialize(context.Context, *KeyRequest) (*keyring.KeyVersion, error)
	CreateKeyRing(context.Context, *KeyRequest) (*keyring.KeyVersion, error)
	RotateKey(context.Context, *RotateKeyRequest) (*keyring.RotationResult, error)
	GetKeyInfo(context.Context, *KeyRequest) (*keyring.KeyInfo, error)
	ListKeys(context.Context, *Empty) (*ListKeysResponse, error)
	GetRotationStatus(context.Context, *Empty) (*RotationStatusResponse, error)
	SetRotationInterval(context.Context, *SetRotationIntervalRequest) (*Empty, error)
	PlanRotation(context.Context, *PlanRotationRequest) (*PlanRotationResponse, error)
	DeprecateVersion(context.Context, *VersionRequest) (*Empty, error)
	CleanupOldKeys(context.Context, *CleanupRequest) (*CleanupResponse, error)
	GetRecommendation(context.Context, *KeyRequest) (*RecommendationResponse, error)
	Backup(context.Context, *BackupRequest) (*BackupResponse, error)
	ListBackups(context.Context, *BackupRequest) (*ListBackupsResponse, error)
	RotateMasterKey(context.Context, *RotateMasterKeyRequest) (*RotateMasterKeyResponse, error)
	QueryAudit(context.Context, *QueryAuditRequest) (*QueryAuditResponse, error)
	RotationHistory(context.Context, *HistoryRequest) (*HistoryResponse, error)
	WatchAudit(*WatchAuditRequest, grpc.ServerStream) error
}

// ServiceDesc describes KeyRingService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KeyRingService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Initialize", KeyRingService.Initialize),
		unary("CreateKeyRing", KeyRingService.CreateKeyRing),
		unary("RotateKey", KeyRingService.RotateKey),
		unary("GetKeyInfo", KeyRingService.GetKeyInfo),
		unary("ListKeys", KeyRingService.ListKeys),
		unary("GetRotationStatus", KeyRingService.GetRotationStatus),
		unary("SetRotationInterval", KeyRingService.SetRotationInterval),
		unary("PlanRotation", KeyRingService.PlanRotation),
		unary("DeprecateVersion", KeyRingService.DeprecateVersion),
		unary("CleanupOldKeys", KeyRingService.CleanupOldKeys),
		unary("GetRecommendation", KeyRingService.GetRecommendation),
		unary("Backup", KeyRingService.Backup),
		unary("ListBackups", KeyRingService.ListBackups),
		unary("RotateMasterKey", KeyRingService.RotateMasterKey),
		unary("QueryAudit", KeyRingService.QueryAudit),
		unary("RotationHistory", KeyRingService.RotationHistory),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchAudit",
			Handler:       watchAuditHandler,
			ServerStreams: true,
		},
	},
	Metadata: "keyring/v1/keyring.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv KeyRingService) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds a method descriptor that decodes Req, runs the interceptor
// chain and dispatches to call.
func unary[Req, Resp any](name string, call func(KeyRingService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, icpt grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			svc := srv.(KeyRingService)
			if icpt == nil {
				return call(svc, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return icpt(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(svc, ctx, r.(*Req))
			})
		},
	}
}

func watchAuditHandler(srv any, stream grpc.ServerStream) error {
	req := new(WatchAuditRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(KeyRingService).WatchAudit(req, stream)
}
