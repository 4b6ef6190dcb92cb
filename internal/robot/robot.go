// Package robot holds the machine's logical object model as seen by local
// and remote callers. The serving core treats it as an opaque directory of
// components; the only contract it relies on is the single mutex
// serializing all access, which keeps gRPC handlers reading a consistent
// snapshot even though they run on separate goroutines.
package robot

import (
	"sync"

	apppb "go.viam.com/api/app/v1"
	commonpb "go.viam.com/api/common/v1"
)

// LocalRobot is the machine served by this agent. One instance is shared
// by every accepted connection; holders of the mutex must not block on the
// network while holding it.
type LocalRobot struct {
	mu        sync.Mutex
	id        string
	resources []*commonpb.ResourceName
}

// New returns an empty robot with no components. Used when no cloud config
// is available yet — local callers still get a servable machine.
func New(id string) *LocalRobot {
	return &LocalRobot{id: id}
}

// FromConfig builds the robot's component directory from a cloud config.
// Components without a name are skipped rather than failing the build;
// every named component is listed, whatever its type or model.
func FromConfig(id string, cfg *apppb.RobotConfig) *LocalRobot {
	r := New(id)
	if cfg == nil {
		return r
	}
	for _, comp := range cfg.Components {
		if comp.GetName() == "" {
			continue
		}
		r.resources = append(r.resources, &commonpb.ResourceName{
			Namespace: comp.GetNamespace(),
			Type:      "component",
			Subtype:   comp.GetType(),
			Name:      comp.GetName(),
		})
	}
	return r
}

// ID returns the robot's cloud-assigned id.
func (r *LocalRobot) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// ResourceNames returns a snapshot of the component directory.
func (r *LocalRobot) ResourceNames() []*commonpb.ResourceName {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*commonpb.ResourceName, len(r.resources))
	copy(out, r.resources)
	return out
}
