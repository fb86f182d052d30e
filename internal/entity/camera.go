package entity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"smartthings-go-home/internal/discovery"
	"smartthings-go-home/internal/status"
)

// FileLinkURL is the prefix of cloud-hosted viewInside images.
const FileLinkURL = "https://client.smartthings.com/udo/file_links/"

const takeCommand = "take"

// LatestFileID returns the file id of the newest viewInside image, or "".
func LatestFileID(capStatus map[string]any) string {
	items, ok := status.AttributeValue(capStatus, "contents").([]any)
	if !ok || len(items) == 0 {
		return ""
	}
	switch last := items[len(items)-1].(type) {
	case string:
		return last
	case map[string]any:
		if id, _ := last["fileId"].(string); id != "" {
			return id
		}
		id, _ := last["id"].(string)
		return id
	}
	return ""
}

// CameraURL returns the image URL a camera currently points at, or "".
func (r *Runtime) CameraURL(d discovery.Descriptor) string {
	if d.Camera == nil {
		return ""
	}
	capStatus := r.capStatus(d.Ref)
	if d.Camera.Strategy == discovery.CameraViewInside {
		if id := LatestFileID(capStatus); id != "" {
			return FileLinkURL + id
		}
		return ""
	}
	u, _ := status.AttributeValue(capStatus, "image").(string)
	return u
}

func (r *Runtime) cameraAttributes(d discovery.Descriptor, capStatus map[string]any) map[string]any {
	if d.Camera == nil {
		return map[string]any{}
	}
	switch d.Camera.Strategy {
	case discovery.CameraViewInside:
		total := 0
		if items, ok := status.AttributeValue(capStatus, "contents").([]any); ok {
			total = len(items)
		}
		attrs := map[string]any{"total_images": total}
		if id := LatestFileID(capStatus); id != "" {
			attrs["latest_file_id"] = id
		}
		return attrs
	case discovery.CameraImageCapture:
		attrs := map[string]any{"image_url": status.AttributeValue(capStatus, "image")}
		if p := status.AttributePayload(capStatus, "captureTime"); p != nil {
			attrs["capture_time"] = p["value"]
		}
		return attrs
	}
	attrs := refAttributes(d.Ref)
	delete(attrs, "attribute")
	attrs["image_url"] = status.AttributeValue(capStatus, "image")
	return attrs
}

// CameraImage fetches the camera's current image. An imageCapture camera
// first asks the device to take a picture, waits for it to settle and
// refreshes before downloading.
func (r *Runtime) CameraImage(ctx context.Context, d discovery.Descriptor) ([]byte, error) {
	if d.Platform != discovery.PlatformCamera || d.Camera == nil {
		return nil, ErrUnsupported
	}

	client := r.http
	switch d.Camera.Strategy {
	case discovery.CameraViewInside:
		client = r.authorized
	case discovery.CameraImageCapture:
		err := r.commander.ExecuteCommand(ctx, d.Ref.DeviceID, d.Ref.ComponentID, d.Ref.CapabilityID, takeCommand, []any{})
		if err != nil {
			r.logger.Warn("image capture failed", "device", d.Ref.DeviceID, "err", err)
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.settle):
			}
			if err := r.coord.Refresh(ctx); err != nil {
				r.logger.Warn("refresh after capture", "device", d.Ref.DeviceID, "err", err)
			}
		}
	}

	u := r.CameraURL(d)
	if !strings.HasPrefix(u, "http") {
		return nil, ErrNoImage
	}
	return download(ctx, client, u)
}

func download(ctx context.Context, client *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("image request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}
