package cloud

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsCredentialRejection reports whether err is the cloud explicitly
// rejecting this machine's credentials (PERMISSION_DENIED or
// UNAUTHENTICATED). The orchestrator reacts by wiping stored credentials
// and config and re-entering provisioning; every other gRPC status is
// treated as transient and retried.
func IsCredentialRejection(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	return s.Code() == codes.PermissionDenied || s.Code() == codes.Unauthenticated
}
