package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// Guest is the subset of a guest's configuration the handlers report.
type Guest struct {
	UUID      string   `json:"uuid"`
	Alias     string   `json:"alias,omitempty"`
	Brand     string   `json:"brand"`
	State     string   `json:"state"`
	RAM       int64    `json:"ram_mb,omitempty"`
	CPUCap    int64    `json:"cpu_cap,omitempty"`
	Snapshots []string `json:"snapshots,omitempty"`
}

// GuestAPI controls guests on this node.
type GuestAPI interface {
	Load(ctx context.Context, uuid string) (*Guest, error)
	Start(ctx context.Context, uuid string) error
	Stop(ctx context.Context, uuid string, force bool) error
	Reboot(ctx context.Context, uuid string, force bool) error
	Kill(ctx context.Context, uuid, signal string) error
	// Sysrq returns the captured image for "screenshot" and nil for "nmi".
	Sysrq(ctx context.Context, uuid, request string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, uuid, name string) error
}

// MaxScreenshotBytes bounds the image a sysrq screenshot may return.
const MaxScreenshotBytes = 8 << 20

// VMAdm drives guests through the vmadm CLI.
type VMAdm struct {
	spawner   Spawner
	path      string
	zonesRoot string
}

func NewVMAdm(spawner Spawner, path, zonesRoot string) *VMAdm {
	if path == "" {
		path = "vmadm"
	}
	if zonesRoot == "" {
		zonesRoot = "/zones"
	}
	return &VMAdm{spawner: spawner, path: path, zonesRoot: zonesRoot}
}

func (v *VMAdm) Load(ctx context.Context, uuid string) (*Guest, error) {
	if err := CheckUUID(uuid); err != nil {
		return nil, err
	}
	res, err := v.spawner.Run(ctx, v.path, "get", uuid)
	if err != nil {
		return nil, err
	}
	return parseGuest(res.Stdout)
}

func parseGuest(out string) (*Guest, error) {
	if !gjson.Valid(out) {
		return nil, fmt.Errorf("vmadm returned invalid JSON")
	}
	doc := gjson.Parse(out)
	g := &Guest{
		UUID:   doc.Get("uuid").String(),
		Alias:  doc.Get("alias").String(),
		Brand:  doc.Get("brand").String(),
		State:  doc.Get("state").String(),
		RAM:    doc.Get("ram").Int(),
		CPUCap: doc.Get("cpu_cap").Int(),
	}
	if !doc.Get("ram").Exists() {
		g.RAM = doc.Get("max_physical_memory").Int()
	}
	for _, name := range doc.Get("snapshots.#.name").Array() {
		g.Snapshots = append(g.Snapshots, name.String())
	}
	if g.UUID == "" {
		return nil, fmt.Errorf("vmadm output has no uuid")
	}
	return g, nil
}

func (v *VMAdm) Start(ctx context.Context, uuid string) error {
	return v.run(ctx, uuid, "start", uuid)
}

func (v *VMAdm) Stop(ctx context.Context, uuid string, force bool) error {
	if force {
		return v.run(ctx, uuid, "stop", uuid, "-F")
	}
	return v.run(ctx, uuid, "stop", uuid)
}

func (v *VMAdm) Reboot(ctx context.Context, uuid string, force bool) error {
	if force {
		return v.run(ctx, uuid, "reboot", uuid, "-F")
	}
	return v.run(ctx, uuid, "reboot", uuid)
}

func (v *VMAdm) Kill(ctx context.Context, uuid, signal string) error {
	if err := CheckSignal(signal); err != nil {
		return err
	}
	if signal == "" {
		return v.run(ctx, uuid, "kill", uuid)
	}
	return v.run(ctx, uuid, "kill", "-s", signal, uuid)
}

func (v *VMAdm) Sysrq(ctx context.Context, uuid, request string) ([]byte, error) {
	if request != "nmi" && request != "screenshot" {
		return nil, fmt.Errorf("unsupported sysrq request %q", request)
	}
	if err := v.run(ctx, uuid, "sysrq", uuid, request); err != nil {
		return nil, err
	}
	if request != "screenshot" {
		return nil, nil
	}
	return v.readScreenshot(uuid)
}

// readScreenshot loads the image vmadm leaves in the guest's zone root.
func (v *VMAdm) readScreenshot(uuid string) ([]byte, error) {
	path := filepath.Join(v.zonesRoot, uuid, "root", "tmp", "vm.ppm")
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("screenshot not found: %w", err)
	}
	if info.Size() > MaxScreenshotBytes {
		return nil, fmt.Errorf("screenshot is %d bytes, limit is %d", info.Size(), MaxScreenshotBytes)
	}
	return os.ReadFile(path)
}

func (v *VMAdm) DeleteSnapshot(ctx context.Context, uuid, name string) error {
	if err := CheckName("snapshot", name); err != nil {
		return err
	}
	return v.run(ctx, uuid, "delete-snapshot", uuid, name)
}

func (v *VMAdm) run(ctx context.Context, uuid string, args ...string) error {
	if err := CheckUUID(uuid); err != nil {
		return err
	}
	_, err := v.spawner.Run(ctx, v.path, args...)
	return err
}
