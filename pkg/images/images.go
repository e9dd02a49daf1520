// Package images implements ImageResolver & Puller (spec §4.C):
// architecture-aware image reference resolution with fallback variants,
// update checks, and a streamed pull with multi-layer progress
// aggregation. Neither CheckUpdate nor Pull is throttled: each call checks
// or pulls, and the 10-day freshness rule is exposed separately as
// Puller.ShouldPull.
package images

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clara-ai/clarad/pkg/bus"
	"github.com/clara-ai/clarad/pkg/clerr"
	"github.com/clara-ai/clarad/pkg/state"
)

// Handle is the subset of *engine.Handle the resolver/puller need, kept as
// an interface so this package doesn't import pkg/engine and can be driven
// by a fake in tests.
type Handle interface {
	InspectImage(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref, platform string) (io.ReadCloser, error)
}

// ArchVariants is the small static table of images that ship arch-suffixed
// tags (spec §4.C), keyed by base image name.
var ArchVariants = map[string][]string{
	"clara-ai/rag-backend": {"amd64", "arm64"},
	"clara-ai/comfyui":     {"amd64", "arm64", "cuda"},
}

// archDefault returns the arch-default suffix to use if none of the
// preferred variants are confirmed available.
func archDefault(hostArch string) string {
	switch hostArch {
	case "arm64":
		return "arm64"
	default:
		return "amd64"
	}
}

// Resolver resolves (base_image, tag) pairs into concrete, confirmed-available
// references.
type Resolver struct {
	Log    *logrus.Entry
	Handle Handle
}

// NewResolver returns a ready-to-use Resolver.
func NewResolver(log *logrus.Entry, handle Handle) *Resolver {
	return &Resolver{Log: log, Handle: handle}
}

// Resolve implements spec §4.C's resolution algorithm: try the base tag,
// then each arch-variant suffix in host-arch-preferred order, checking local
// presence first and a short-lived remote-manifest probe second; falls back
// to an arch-default suffix if nothing is confirmed.
func (r *Resolver) Resolve(ctx context.Context, baseImage, tag string) (string, error) {
	variants, ok := ArchVariants[baseImage]
	if !ok {
		return fmt.Sprintf("%s:%s", baseImage, tag), nil
	}

	candidates := preferredOrder(variants, runtime.GOARCH)
	// The bare tag is always tried first.
	refs := append([]string{fmt.Sprintf("%s:%s", baseImage, tag)}, candidates...)

	for i, ref := range refs {
		if i > 0 {
			ref = fmt.Sprintf("%s:%s-%s", baseImage, tag, ref)
		}
		if present, err := r.Handle.InspectImage(ctx, ref); err == nil && present {
			return ref, nil
		}
		if r.remoteManifestAvailable(ctx, ref) {
			return ref, nil
		}
	}

	fallback := fmt.Sprintf("%s:%s-%s", baseImage, tag, archDefault(runtime.GOARCH))
	r.Log.Warnf("no confirmed variant for %s:%s, falling back to %s", baseImage, tag, fallback)
	return fallback, nil
}

// preferredOrder puts hostArch first among the known variants, keeping the
// rest in their declared order.
func preferredOrder(variants []string, hostArch string) []string {
	out := make([]string, 0, len(variants))
	for _, v := range variants {
		if v == hostArch {
			out = append([]string{v}, out...)
		} else {
			out = append(out, v)
		}
	}
	return out
}

// remoteManifestAvailable tests remote manifest availability by starting a
// pull and interrupting it as soon as a non-error status record is observed
// (spec §4.C).
func (r *Resolver) remoteManifestAvailable(ctx context.Context, ref string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := r.Handle.PullImage(probeCtx, ref, "")
	if err != nil {
		return false
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		var rec pullStatusRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Error != "" {
			return false
		}
		return true
	}
	return false
}

// pullStatusRecord is one NDJSON line of a Docker/Podman image-pull stream.
type pullStatusRecord struct {
	Status         string `json:"status"`
	Error          string `json:"error"`
	ID             string `json:"id"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail"`
}

// ProgressEvent is the normalized progress record emitted on the bus (spec
// §4.C).
type ProgressEvent struct {
	ImageRef   string
	StatusText string
	Percentage float64
}

// UpdateStatus classifies an image update check (spec §4.C).
type UpdateStatus string

const (
	UpToDate        UpdateStatus = "up_to_date"
	UpdateAvailable UpdateStatus = "update_available"
	CheckFailed     UpdateStatus = "check_failed"
)

// Puller streams image pulls and update checks, aggregating per-layer
// progress the way the teacher's MonitorCLIContainerStats scans a line
// stream (pkg/commands/docker.go), applied here to client.ImagePull's NDJSON
// body instead of a docker-stats subprocess.
type Puller struct {
	Log        *logrus.Entry
	Handle     Handle
	Bus        *bus.Bus
	Timestamps *state.PullTimestamps
}

// NewPuller returns a ready-to-use Puller.
func NewPuller(log *logrus.Entry, handle Handle, b *bus.Bus, ts *state.PullTimestamps) *Puller {
	return &Puller{Log: log, Handle: handle, Bus: b, Timestamps: ts}
}

// Pull streams an image pull, aggregating per-layer progress into a single
// overall percentage, emitting normalized image.pull.progress bus events,
// and recording last_pulled_at on success.
func (p *Puller) Pull(ctx context.Context, imageRef, platform string) error {
	firstTime := true
	if _, ok := p.Timestamps.LastPulledAt(imageRef); ok {
		firstTime = false
	}

	body, err := p.Handle.PullImage(ctx, imageRef, platform)
	if err != nil && platform != "" {
		// Retry once without the platform hint (spec §4.C).
		body, err = p.Handle.PullImage(ctx, imageRef, "")
	}
	if err != nil {
		return clerr.New(clerr.NetworkError, "pull "+imageRef, err)
	}
	defer body.Close()

	if firstTime {
		p.emit(imageRef, "starting first-time pull", 0)
	}

	layers := map[string]struct{ current, total int64 }{}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var lastErr error
	for scanner.Scan() {
		var rec pullStatusRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // tolerate the odd malformed line, same posture as MCP's line framer
		}
		if rec.Error != "" {
			lastErr = fmt.Errorf("%s", rec.Error)
			continue
		}
		if rec.ID != "" && rec.ProgressDetail.Total > 0 {
			layers[rec.ID] = struct{ current, total int64 }{rec.ProgressDetail.Current, rec.ProgressDetail.Total}
		}
		p.emit(imageRef, rec.Status, overallPercentage(layers))
	}
	if err := scanner.Err(); err != nil {
		return clerr.New(clerr.NetworkError, "pull stream "+imageRef, err)
	}
	if lastErr != nil {
		return clerr.New(clerr.NetworkError, "pull "+imageRef, lastErr)
	}

	p.emit(imageRef, "pull complete", 100)
	return p.Timestamps.Record(imageRef, time.Now())
}

func overallPercentage(layers map[string]struct{ current, total int64 }) float64 {
	var current, total int64
	for _, l := range layers {
		current += l.current
		total += l.total
	}
	if total == 0 {
		return 0
	}
	pct := float64(current) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (p *Puller) emit(imageRef, statusText string, pct float64) {
	if p.Bus == nil {
		return
	}
	p.Bus.Publish(bus.TopicImagePullProgress, bus.ImagePullProgress{
		ImageRef:   imageRef,
		StatusText: statusText,
		Percentage: pct,
	})
}

// ShouldPull implements the per-image "10 day" freshness rule (spec §3/§4.C).
func (p *Puller) ShouldPull(imageRef string, freshnessDays int, force bool) bool {
	return p.Timestamps.ShouldPull(imageRef, freshnessDays, force)
}

// CheckUpdate wraps a pull in "check mode" (spec §4.C): it streams status
// records and classifies the outcome without necessarily completing the
// download — the underlying engine already de-dupes layers it has locally,
// so a full up-to-date image pull completes almost immediately and is
// treated as confirmation rather than an error.
func (p *Puller) CheckUpdate(ctx context.Context, imageRef, platform string) UpdateStatus {
	body, err := p.Handle.PullImage(ctx, imageRef, platform)
	if err != nil && platform != "" {
		body, err = p.Handle.PullImage(ctx, imageRef, "")
	}
	if err != nil {
		return CheckFailed
	}
	defer body.Close()

	downloadInProgress := false
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		var rec pullStatusRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Error != "" {
			return CheckFailed
		}
		status := strings.ToLower(rec.Status)
		if strings.Contains(status, "downloading") || strings.Contains(status, "extracting") {
			downloadInProgress = true
		}
		if strings.Contains(status, "already exists") || strings.Contains(status, "image is up to date") {
			if !downloadInProgress {
				return UpToDate
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return CheckFailed
	}
	if downloadInProgress {
		return UpdateAvailable
	}
	return UpToDate
}
