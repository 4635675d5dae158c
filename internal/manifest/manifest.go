// Package manifest loads and validates the per-repository task
// manifest (.deployer.conf / .hookshot.conf) found at a checkout root.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrNoManifest is returned when neither manifest filename exists at
// the checkout root.
var ErrNoManifest = errors.New("no manifest")

// ErrManifestInvalid is returned for parse errors, an unknown or
// missing method, a missing method-specific field, or a path escaping
// the checkout root.
var ErrManifestInvalid = errors.New("manifest invalid")

// fileNames are tried in order at the checkout root.
var fileNames = []string{".deployer.conf", ".hookshot.conf"}

type section struct {
	Method    string `toml:"method"`
	Task      string `toml:"task"`
	Playbook  string `toml:"playbook"`
	Inventory string `toml:"inventory"`
	NotifyURL string `toml:"notify_url"`
}

type document struct {
	Default section            `toml:"default"`
	Branch  map[string]section `toml:"branch"`
}

// Method identifies which kind of task an Effective manifest runs.
type Method string

const (
	MethodAnsible  Method = "ansible"
	MethodMakefile Method = "makefile"
)

// Effective is the merged (default overlaid by branch.<name>)
// configuration for one branch, with all paths already validated to
// resolve inside the checkout root.
type Effective struct {
	Method    Method
	Task      string // makefile target
	Playbook  string // absolute path, ansible only
	Inventory string // absolute path, ansible only
	NotifyURL string
}

// Load reads the manifest at checkoutRoot and returns the effective
// configuration for branch.
func Load(checkoutRoot, branch string) (Effective, error) {
	path, raw, err := readManifest(checkoutRoot)
	if err != nil {
		return Effective{}, err
	}

	var doc document
	if _, err := toml.Decode(string(raw), &doc); err != nil {
		return Effective{}, fmt.Errorf("%w: parsing %s: %v", ErrManifestInvalid, path, err)
	}

	merged := doc.Default
	if override, ok := doc.Branch[branch]; ok {
		merged = mergeSection(merged, override)
	}

	return effectiveFrom(merged, checkoutRoot)
}

func readManifest(checkoutRoot string) (string, []byte, error) {
	for _, name := range fileNames {
		path := filepath.Join(checkoutRoot, name)
		raw, err := os.ReadFile(path)
		if err == nil {
			return path, raw, nil
		}
		if !os.IsNotExist(err) {
			return path, nil, fmt.Errorf("%w: reading %s: %v", ErrManifestInvalid, path, err)
		}
	}
	return "", nil, fmt.Errorf("%w: neither %v found at %s", ErrNoManifest, fileNames, checkoutRoot)
}

// mergeSection overlays override on top of base, field by field: an
// empty override field keeps the base value.
func mergeSection(base, override section) section {
	if override.Method != "" {
		base.Method = override.Method
	}
	if override.Task != "" {
		base.Task = override.Task
	}
	if override.Playbook != "" {
		base.Playbook = override.Playbook
	}
	if override.Inventory != "" {
		base.Inventory = override.Inventory
	}
	if override.NotifyURL != "" {
		base.NotifyURL = override.NotifyURL
	}
	return base
}

func effectiveFrom(s section, checkoutRoot string) (Effective, error) {
	switch Method(s.Method) {
	case MethodAnsible:
		if s.Playbook == "" || s.Inventory == "" {
			return Effective{}, fmt.Errorf("%w: ansible method requires playbook and inventory", ErrManifestInvalid)
		}
		playbook, err := resolveContained(checkoutRoot, s.Playbook)
		if err != nil {
			return Effective{}, err
		}
		inventory, err := resolveContained(checkoutRoot, s.Inventory)
		if err != nil {
			return Effective{}, err
		}
		return Effective{Method: MethodAnsible, Playbook: playbook, Inventory: inventory, NotifyURL: s.NotifyURL}, nil

	case MethodMakefile:
		if s.Task == "" {
			return Effective{}, fmt.Errorf("%w: makefile method requires task", ErrManifestInvalid)
		}
		return Effective{Method: MethodMakefile, Task: s.Task, NotifyURL: s.NotifyURL}, nil

	case "":
		return Effective{}, fmt.Errorf("%w: method is required", ErrManifestInvalid)

	default:
		return Effective{}, fmt.Errorf("%w: unknown method %q", ErrManifestInvalid, s.Method)
	}
}

// resolveContained resolves rel against root and rejects it unless
// the canonical result is root itself or a descendant of it.
func resolveContained(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: resolving checkout root: %v", ErrManifestInvalid, err)
	}
	absRoot = filepath.Clean(absRoot)

	joined := filepath.Clean(filepath.Join(absRoot, rel))

	relFromRoot, err := filepath.Rel(absRoot, joined)
	if err != nil || relFromRoot == ".." || strings.HasPrefix(relFromRoot, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes checkout root", ErrManifestInvalid, rel)
	}
	return joined, nil
}
