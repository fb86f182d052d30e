package discovery

import (
	"context"
	"strings"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/status"
)

// Camera capabilities.
const (
	ViewInsideCapability   = "samsungce.viewInside"
	ImageCaptureCapability = "imageCapture"
)

// cameraRule creates at most one camera per capability: a viewInside
// content list, an imageCapture capability, or any capability reporting an
// absolute image URL.
type cameraRule struct{}

func (cameraRule) Platform() string { return PlatformCamera }

func (cameraRule) Discover(ctx context.Context, s *Scan) {
	s.eachStatusCapability(func(dev api.Device, compID, capID string, capStatus map[string]any) {
		var strategy, attr string
		switch {
		case capID == ViewInsideCapability:
			if _, ok := capStatus["contents"]; !ok {
				return
			}
			strategy, attr = CameraViewInside, "contents"
		case capID == ImageCaptureCapability:
			strategy, attr = CameraImageCapture, "image"
		default:
			u, _ := status.AttributeValue(capStatus, "image").(string)
			if !strings.HasPrefix(u, "http") {
				return
			}
			strategy, attr = CameraURL, "image"
		}

		key := joinKey(dev.DeviceID, compID, capID, attr)
		if s.Seen(key) {
			return
		}
		ref := Ref{DeviceID: dev.DeviceID, ComponentID: compID, CapabilityID: capID, Attribute: attr}
		suffix := status.CapabilityTail(capID)
		if strategy == CameraURL {
			suffix += "." + attr
		}
		d := s.descriptor(PlatformCamera, key, dev, ref, suffix)
		d.Camera = &CameraSpec{Strategy: strategy}
		s.Add(d)
	})
}
