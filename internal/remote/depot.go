package remote

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"github.com/netly/cnagent/internal/executor"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var ErrImageChecksum = errors.New("image: checksum mismatch")

// DialFunc opens a new depot session. Each fetch owns the session it dials.
type DialFunc func(ctx context.Context) (*Session, error)

// Image describes a fetched image file.
type Image struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Size    int64  `json:"size"`
	SHA1    string `json:"sha1,omitempty"`
	Path    string `json:"path"`
}

// ImageSource fetches images into local storage. progress receives bytes
// written so far and the expected total, which is zero when unknown.
type ImageSource interface {
	Fetch(ctx context.Context, uuid string, progress func(written, total int64)) (*Image, error)
}

type DepotOptions struct {
	Dial      DialFunc
	RemoteDir string
	LocalDir  string
	Files     *executor.FileOps
	Logger    *zap.Logger
}

// Depot serves images laid out as <remote_dir>/<uuid>/manifest.json and
// <remote_dir>/<uuid>/file.
type Depot struct {
	dial      DialFunc
	remoteDir string
	localDir  string
	files     *executor.FileOps
	logger    *zap.Logger
}

func NewDepot(opts DepotOptions) *Depot {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Depot{
		dial:      opts.Dial,
		remoteDir: opts.RemoteDir,
		localDir:  opts.LocalDir,
		files:     opts.Files,
		logger:    logger,
	}
}

func (d *Depot) Fetch(ctx context.Context, uuid string, progress func(written, total int64)) (*Image, error) {
	sess, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			d.logger.Warn("image_session_close_failed", zap.String("image", uuid), zap.Error(cerr))
		}
	}()

	base := path.Join(d.remoteDir, uuid)
	manifest, err := sess.ReadFile(path.Join(base, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	img := parseManifest(uuid, manifest)

	if img.Size == 0 {
		if info, err := sess.Stat(path.Join(base, "file")); err == nil {
			img.Size = info.Size()
		}
	}

	final := filepath.Join(d.localDir, uuid+".file")
	partial := final + ".partial"
	out, err := d.files.Create(partial)
	if err != nil {
		return nil, err
	}

	hash := sha1.New()
	written, err := sess.Download(ctx, path.Join(base, "file"), io.MultiWriter(out, hash), func(n int64) {
		if progress != nil {
			progress(n, img.Size)
		}
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = d.files.Remove(partial)
		return nil, err
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if img.SHA1 != "" && img.SHA1 != sum {
		_ = d.files.Remove(partial)
		return nil, fmt.Errorf("%w: want %s, got %s", ErrImageChecksum, img.SHA1, sum)
	}
	if err := d.files.Rename(partial, final); err != nil {
		return nil, err
	}

	img.SHA1 = sum
	img.Size = written
	img.Path = final
	d.logger.Info("image_fetch_ok", zap.String("image", uuid), zap.Int64("bytes", written))
	return img, nil
}

func parseManifest(uuid string, data []byte) *Image {
	doc := gjson.ParseBytes(data)
	return &Image{
		UUID:    uuid,
		Name:    doc.Get("name").String(),
		Version: doc.Get("version").String(),
		Size:    doc.Get("files.0.size").Int(),
		SHA1:    doc.Get("files.0.sha1").String(),
	}
}
