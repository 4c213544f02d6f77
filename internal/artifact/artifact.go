// Package artifact derives object-storage keys and download filenames for
// build outputs.
package artifact

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/meshenvy/firmware-builder/internal/models"
)

// DefaultProduct prefixes every download filename.
const DefaultProduct = "meshtastic"

// DefaultExtension is appended to derived keys and filenames.
const DefaultExtension = ".tar.gz"

// Common errors returned while addressing artifacts.
var (
	ErrInvalidType      = errors.New("invalid artifact type")
	ErrMissingExtension = errors.New("artifact path has no extension")
	ErrNoRun            = errors.New("build has no run to derive an artifact key from")
)

// Type distinguishes the two bundles a run produces.
type Type string

// Artifact types.
const (
	TypeFirmware Type = "firmware"
	TypeSource   Type = "source"
)

// ParseType validates an artifact type. The empty string means firmware.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case "", TypeFirmware:
		return TypeFirmware, nil
	case TypeSource:
		return TypeSource, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// ObjectKey returns the canonical key <type>-<hash>-<runId>.tar.gz.
func ObjectKey(buildHash string, runID int64, t Type) string {
	return fmt.Sprintf("%s-%s-%d%s", t, buildHash, runID, DefaultExtension)
}

// Last4 returns the final four characters of the stored hash string.
func Last4(buildHash string) string {
	if len(buildHash) <= 4 {
		return buildHash
	}
	return buildHash[len(buildHash)-4:]
}

// FilenameParams are the inputs to a download filename.
type FilenameParams struct {
	Product     string
	Version     string
	Target      string
	BuildHash   string
	RunID       int64 // zero while the build has no run
	Type        Type
	ProfileSlug string
}

// FilenameBase renders
// <product>-<version>-[<profile>-]<target>-<last4>[-<runId>]-<type>
// without an extension.
func FilenameBase(p FilenameParams) string {
	product := p.Product
	if product == "" {
		product = DefaultProduct
	}

	parts := []string{product, p.Version}
	if p.ProfileSlug != "" {
		parts = append(parts, p.ProfileSlug)
	}
	parts = append(parts, p.Target, Last4(p.BuildHash))
	if p.RunID != 0 {
		parts = append(parts, strconv.FormatInt(p.RunID, 10))
	}
	parts = append(parts, string(p.Type))
	return strings.Join(parts, "-")
}

// Filename returns FilenameBase with the default extension.
func Filename(p FilenameParams) string {
	return FilenameBase(p) + DefaultExtension
}

// Extension returns the extension of an object key, keeping compound tar
// extensions such as ".tar.gz" intact.
func Extension(key string) (string, error) {
	base := path.Base(key)
	ext := path.Ext(base)
	if ext == "" || ext == base {
		return "", fmt.Errorf("%w: %q", ErrMissingExtension, key)
	}
	if inner := path.Ext(strings.TrimSuffix(base, ext)); inner == ".tar" {
		ext = inner + ext
	}
	return ext, nil
}

// ResolveKey returns the stored path for t when the compiler reported one,
// otherwise the derived key. Derivation needs a run id.
func ResolveKey(b *models.Build, t Type) (string, error) {
	stored := b.FirmwareArtifactPath
	if t == TypeSource {
		stored = b.SourceArtifactPath
	}
	if stored != "" {
		return stored, nil
	}
	if b.RunID == 0 {
		return "", fmt.Errorf("%w: build %s", ErrNoRun, b.ID)
	}
	return ObjectKey(b.BuildHash, b.RunID, t), nil
}

// Location is a resolved key/filename pair.
type Location struct {
	Key      string `json:"key"`
	Filename string `json:"filename"`
}

// Locate resolves the object key of a build's artifact and the filename it
// should be downloaded as. The filename takes the key's extension.
func Locate(b *models.Build, t Type, product, profileSlug string) (Location, error) {
	key, err := ResolveKey(b, t)
	if err != nil {
		return Location{}, err
	}
	ext, err := Extension(key)
	if err != nil {
		return Location{}, fmt.Errorf("build %s: %w", b.ID, err)
	}
	name := FilenameBase(FilenameParams{
		Product:     product,
		Version:     b.Config.Version,
		Target:      b.Config.Target,
		BuildHash:   b.BuildHash,
		RunID:       b.RunID,
		Type:        t,
		ProfileSlug: profileSlug,
	})
	return Location{Key: key, Filename: name + ext}, nil
}
