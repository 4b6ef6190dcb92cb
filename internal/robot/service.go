package robot

import (
	"context"

	robotpb "go.viam.com/api/robot/v1"
)

// Service exposes the robot over the local gRPC surface. It embeds the
// generated Unimplemented server so new RPCs added to the proto fail with
// UNIMPLEMENTED instead of breaking the build.
type Service struct {
	robotpb.UnimplementedRobotServiceServer

	robot *LocalRobot
}

// NewService returns the gRPC service bound to r.
func NewService(r *LocalRobot) *Service {
	return &Service{robot: r}
}

// ResourceNames lists the machine's component directory.
func (s *Service) ResourceNames(ctx context.Context, _ *robotpb.ResourceNamesRequest) (*robotpb.ResourceNamesResponse, error) {
	return &robotpb.ResourceNamesResponse{Resources: s.robot.ResourceNames()}, nil
}

// GetOperations reports in-flight operations. The agent does not track
// long-running operations, so the list is always empty.
func (s *Service) GetOperations(ctx context.Context, _ *robotpb.GetOperationsRequest) (*robotpb.GetOperationsResponse, error) {
	return &robotpb.GetOperationsResponse{}, nil
}
