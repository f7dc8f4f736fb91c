package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/PetoAdam/homenavi/edge-console/internal/webserver"
)

var ErrUnknownModule = errors.New("instance references unknown module")

type InstanceSpec struct {
	ModuleID  string            `json:"moduleId"`
	Subscribe map[string]string `json:"subscribe"`
	Publish   map[string]string `json:"publish"`
}

type Module struct {
	EntryPoint  string `json:"entryPoint"`
	ModuleImpl  string `json:"moduleImpl"`
	DownloadURL string `json:"downloadUrl"`
	Hash        string `json:"hash"`
}

type Topics struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type Deployment struct {
	DeploymentID    string                  `json:"deploymentId"`
	InstanceSpecs   map[string]InstanceSpec `json:"instanceSpecs"`
	Modules         map[string]Module       `json:"modules"`
	PublishTopics   map[string]Topics       `json:"publishTopics"`
	SubscribeTopics map[string]Topics       `json:"subscribeTopics"`
}

type Manifest struct {
	Deployment Deployment `json:"deployment"`
}

func (m *Manifest) ID() string { return m.Deployment.DeploymentID }

func (m *Manifest) Validate() error {
	for name, spec := range m.Deployment.InstanceSpecs {
		if _, ok := m.Deployment.Modules[spec.ModuleID]; !ok {
			return fmt.Errorf("%w: instance %q -> %q", ErrUnknownModule, name, spec.ModuleID)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	d := m.Deployment
	out := &Manifest{Deployment: Deployment{
		DeploymentID:    d.DeploymentID,
		InstanceSpecs:   make(map[string]InstanceSpec, len(d.InstanceSpecs)),
		Modules:         make(map[string]Module, len(d.Modules)),
		PublishTopics:   make(map[string]Topics, len(d.PublishTopics)),
		SubscribeTopics: make(map[string]Topics, len(d.SubscribeTopics)),
	}}
	for k, v := range d.InstanceSpecs {
		v.Subscribe = cloneStrings(v.Subscribe)
		v.Publish = cloneStrings(v.Publish)
		out.Deployment.InstanceSpecs[k] = v
	}
	for k, v := range d.Modules {
		out.Deployment.Modules[k] = v
	}
	for k, v := range d.PublishTopics {
		out.Deployment.PublishTopics[k] = v
	}
	for k, v := range d.SubscribeTopics {
		out.Deployment.SubscribeTopics[k] = v
	}
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// normalize replaces nil maps so the manifest always serializes with every
// field present.
func (m *Manifest) normalize() {
	d := &m.Deployment
	if d.InstanceSpecs == nil {
		d.InstanceSpecs = map[string]InstanceSpec{}
	}
	if d.Modules == nil {
		d.Modules = map[string]Module{}
	}
	if d.PublishTopics == nil {
		d.PublishTopics = map[string]Topics{}
	}
	if d.SubscribeTopics == nil {
		d.SubscribeTopics = map[string]Topics{}
	}
	for k, spec := range d.InstanceSpecs {
		if spec.Subscribe == nil {
			spec.Subscribe = map[string]string{}
		}
		if spec.Publish == nil {
			spec.Publish = map[string]string{}
		}
		d.InstanceSpecs[k] = spec
	}
}

// ComputeDeploymentID sets the id to the SHA-256 of the manifest serialized
// with an empty id.
func (m *Manifest) ComputeDeploymentID() (string, error) {
	m.normalize()
	m.Deployment.DeploymentID = ""
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	m.Deployment.DeploymentID = hex.EncodeToString(sum[:])
	return m.Deployment.DeploymentID, nil
}

// PopulateURLsAndHashes expects each module's DownloadURL to hold a local
// file path under root. It hashes the file, rewrites the URL to point at the
// file server, then derives the deployment id.
func (m *Manifest) PopulateURLsAndHashes(host string, port int, root string) error {
	names := make([]string, 0, len(m.Deployment.Modules))
	for name := range m.Deployment.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		mod := m.Deployment.Modules[name]
		sum, err := FileSHA256(mod.DownloadURL)
		if err != nil {
			return fmt.Errorf("module %s: %w", name, err)
		}
		url, err := webserver.RelURL(host, port, root, mod.DownloadURL)
		if err != nil {
			return fmt.Errorf("module %s: %w", name, err)
		}
		mod.Hash = sum
		mod.DownloadURL = url
		m.Deployment.Modules[name] = mod
	}
	_, err := m.ComputeDeploymentID()
	return err
}

// MakeUniqueModuleIDs suffixes module ids with the first five characters of
// their hash so that ids differ across deployments of changed binaries.
func (m *Manifest) MakeUniqueModuleIDs() {
	renamed := make(map[string]string, len(m.Deployment.Modules))
	modules := make(map[string]Module, len(m.Deployment.Modules))
	for name, mod := range m.Deployment.Modules {
		suffix := mod.Hash
		if len(suffix) > 5 {
			suffix = suffix[:5]
		}
		id := name + "-" + suffix
		renamed[name] = id
		modules[id] = mod
	}
	m.Deployment.Modules = modules
	for k, spec := range m.Deployment.InstanceSpecs {
		if id, ok := renamed[spec.ModuleID]; ok {
			spec.ModuleID = id
			m.Deployment.InstanceSpecs[k] = spec
		}
	}
}

// ServeFrom points every module at the local file server serving root.
// Relative module paths are taken relative to root.
func (m *Manifest) ServeFrom(host string, port int, root string) error {
	for name, mod := range m.Deployment.Modules {
		if !filepath.IsAbs(mod.DownloadURL) {
			mod.DownloadURL = filepath.Join(root, mod.DownloadURL)
			m.Deployment.Modules[name] = mod
		}
	}
	if err := m.PopulateURLsAndHashes(host, port, root); err != nil {
		return err
	}
	m.MakeUniqueModuleIDs()
	return nil
}

// EmptyDeployment removes every instance and module from the device.
func EmptyDeployment() *Manifest {
	m := &Manifest{Deployment: Deployment{DeploymentID: uuid.NewString()}}
	m.normalize()
	return m
}

// SingleModuleManifest describes one wasm module run as one instance, both
// named name. modulePath must live under root.
func SingleModuleManifest(name, modulePath, host string, port int, root string) (*Manifest, error) {
	m := &Manifest{Deployment: Deployment{
		InstanceSpecs: map[string]InstanceSpec{
			name: {ModuleID: name},
		},
		Modules: map[string]Module{
			name: {EntryPoint: "main", ModuleImpl: "wasm", DownloadURL: modulePath},
		},
	}}
	m.normalize()
	if err := m.PopulateURLsAndHashes(host, port, root); err != nil {
		return nil, err
	}
	m.MakeUniqueModuleIDs()
	return m, nil
}

func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
