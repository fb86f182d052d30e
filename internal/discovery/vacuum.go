package discovery

import (
	"context"

	"smartthings-go-home/internal/status"
)

// VacuumCapability is the robot cleaner operating state capability.
const VacuumCapability = "samsungce.robotCleanerOperatingState"

// vacuumRule creates one vacuum per robot cleaner, keyed by device.
type vacuumRule struct{}

func (vacuumRule) Platform() string { return PlatformVacuum }

func (vacuumRule) Discover(ctx context.Context, s *Scan) {
	for _, id := range s.Snapshot.DeviceIDs() {
		capStatus := s.Snapshot.CapabilityStatus(id, status.MainComponent, VacuumCapability)
		if len(capStatus) == 0 {
			continue
		}
		_, hasState := capStatus["operatingState"]
		_, hasStep := capStatus["cleaningStep"]
		if !hasState && !hasStep {
			continue
		}
		dev, _ := s.Snapshot.Device(id)
		ref := Ref{DeviceID: id, ComponentID: status.MainComponent, CapabilityID: VacuumCapability}
		s.Add(s.descriptor(PlatformVacuum, joinKey(id, "vacuum"), dev, ref, "vacuum"))
	}
}
