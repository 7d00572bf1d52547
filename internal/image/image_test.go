package image

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/pyroth/sbx/internal/store"
)

// An in-memory registry serving one repository over httptest.
type fakeRegistry struct {
	t    *testing.T
	srv  *httptest.Server
	repo string

	mu        sync.Mutex
	blobs     map[digest.Digest][]byte
	manifests map[string][]byte // selector -> raw document
	types     map[string]string // selector -> content type
	blobHits  map[digest.Digest]int
	failBlobs map[digest.Digest]bool
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	reg := &fakeRegistry{
		t:         t,
		repo:      "testrepo",
		blobs:     make(map[digest.Digest][]byte),
		manifests: make(map[string][]byte),
		types:     make(map[string]string),
		blobHits:  make(map[digest.Digest]int),
		failBlobs: make(map[digest.Digest]bool),
	}
	reg.srv = httptest.NewServer(http.HandlerFunc(reg.handle))
	t.Cleanup(reg.srv.Close)
	return reg
}

func (f *fakeRegistry) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := "/v2/" + f.repo + "/"
	rest, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case strings.HasPrefix(rest, "manifests/"):
		selector := strings.TrimPrefix(rest, "manifests/")
		data, ok := f.manifests[selector]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", f.types[selector])
		w.Write(data)

	case strings.HasPrefix(rest, "blobs/"):
		dgst := digest.Digest(strings.TrimPrefix(rest, "blobs/"))
		if f.failBlobs[dgst] {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		data, ok := f.blobs[dgst]
		if !ok {
			http.NotFound(w, r)
			return
		}
		f.blobHits[dgst]++
		w.Write(data)

	default:
		http.NotFound(w, r)
	}
}

// Adds a blob and returns its digest.
func (f *fakeRegistry) addBlob(data []byte) digest.Digest {
	f.mu.Lock()
	defer f.mu.Unlock()
	dgst := digest.FromBytes(data)
	f.blobs[dgst] = data
	return dgst
}

// Publishes a manifest under a tag and under its own digest.
func (f *fakeRegistry) addManifest(tag string, manifest ocispec.Manifest) digest.Digest {
	data, err := json.Marshal(manifest)
	if err != nil {
		f.t.Fatalf("marshal manifest: %v", err)
	}
	dgst := digest.FromBytes(data)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[tag] = data
	f.types[tag] = ocispec.MediaTypeImageManifest
	f.manifests[dgst.String()] = data
	f.types[dgst.String()] = ocispec.MediaTypeImageManifest
	return dgst
}

// Reference string for a tag in the fake registry's repository.
func (f *fakeRegistry) reference(tag string) string {
	return strings.TrimPrefix(f.srv.URL, "http://") + "/" + f.repo + ":" + tag
}

func (f *fakeRegistry) hits(dgst digest.Digest) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobHits[dgst]
}

// Builds a gzip-compressed tar layer from name/content pairs.
func buildLayer(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// Publishes a complete single-manifest image and returns its manifest
// digest together with the layer digests.
func publishImage(t *testing.T, reg *fakeRegistry, tag string, layers ...map[string]string) (digest.Digest, []digest.Digest) {
	t.Helper()

	img := ocispec.Image{
		Config: ocispec.ImageConfig{
			Entrypoint: []string{"/bin/init"},
			Cmd:        []string{"serve"},
			Env:        []string{"PATH=/usr/bin"},
			WorkingDir: "/srv",
		},
	}
	configBytes, err := json.Marshal(img)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	configDigest := reg.addBlob(configBytes)

	manifest := ocispec.Manifest{
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configBytes)),
		},
	}

	var layerDigests []digest.Digest
	for _, files := range layers {
		data := buildLayer(t, files)
		dgst := reg.addBlob(data)
		layerDigests = append(layerDigests, dgst)
		manifest.Layers = append(manifest.Layers, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    dgst,
			Size:      int64(len(data)),
		})
	}

	return reg.addManifest(tag, manifest), layerDigests
}

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return mgr
}

func TestPull(t *testing.T) {
	reg := newFakeRegistry(t)
	manifestDigest, _ := publishImage(t, reg, "latest",
		map[string]string{"etc/hostname": "sandbox\n"},
		map[string]string{"srv/app": "binary"},
	)

	mgr := openTestManager(t)

	var events []Event
	result, err := mgr.Pull(context.Background(), reg.reference("latest"), func(ev Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	if result.Digest != manifestDigest {
		t.Fatalf("Digest = %s, want %s", result.Digest, manifestDigest)
	}

	got, err := os.ReadFile(filepath.Join(result.Rootfs, "etc", "hostname"))
	if err != nil {
		t.Fatalf("read rootfs file: %v", err)
	}
	if string(got) != "sandbox\n" {
		t.Fatalf("content = %q, want %q", got, "sandbox\n")
	}

	if len(result.Config.Entrypoint) != 1 || result.Config.Entrypoint[0] != "/bin/init" {
		t.Fatalf("Entrypoint = %v, want [/bin/init]", result.Config.Entrypoint)
	}
	if result.Config.WorkingDir != "/srv" {
		t.Fatalf("WorkingDir = %q, want /srv", result.Config.WorkingDir)
	}
	if argv := result.Config.CombinedCommand(); len(argv) != 2 || argv[0] != "/bin/init" || argv[1] != "serve" {
		t.Fatalf("CombinedCommand = %v", argv)
	}

	records, err := mgr.Images()
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].Digest != manifestDigest {
		t.Fatalf("record digest = %s, want %s", records[0].Digest, manifestDigest)
	}

	if len(events) == 0 || events[0].Stage != StageResolving {
		t.Fatalf("first event = %+v, want resolving", events)
	}
	if events[len(events)-1].Stage != StageDone {
		t.Fatalf("last event stage = %q, want done", events[len(events)-1].Stage)
	}
}

func TestPullTwiceFetchesEachBlobOnce(t *testing.T) {
	reg := newFakeRegistry(t)
	_, layerDigests := publishImage(t, reg, "latest",
		map[string]string{"a": "1"},
		map[string]string{"b": "2"},
	)

	mgr := openTestManager(t)

	for i := 0; i < 2; i++ {
		if _, err := mgr.Pull(context.Background(), reg.reference("latest"), nil); err != nil {
			t.Fatalf("Pull %d: %v", i+1, err)
		}
	}

	for _, dgst := range layerDigests {
		if hits := reg.hits(dgst); hits != 1 {
			t.Fatalf("blob %s fetched %d times, want 1", dgst, hits)
		}
	}
}

func TestEnsureUsesCache(t *testing.T) {
	reg := newFakeRegistry(t)
	manifestDigest, layerDigests := publishImage(t, reg, "latest",
		map[string]string{"a": "1"},
	)

	mgr := openTestManager(t)

	first, err := mgr.Ensure(context.Background(), reg.reference("latest"), nil)
	if err != nil {
		t.Fatalf("first Ensure: %v", err)
	}

	second, err := mgr.Ensure(context.Background(), reg.reference("latest"), nil)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}

	if second.Rootfs != first.Rootfs || second.Digest != manifestDigest {
		t.Fatalf("second Ensure = %+v, want cached %+v", second, first)
	}
	if second.Config.WorkingDir != "/srv" {
		t.Fatalf("cached WorkingDir = %q, want /srv", second.Config.WorkingDir)
	}

	// The fast path costs one manifest fetch and zero blob traffic.
	for _, dgst := range layerDigests {
		if hits := reg.hits(dgst); hits != 1 {
			t.Fatalf("blob %s fetched %d times, want 1", dgst, hits)
		}
	}
}

func TestFailedBlobAbortsPull(t *testing.T) {
	reg := newFakeRegistry(t)
	manifestDigest, layerDigests := publishImage(t, reg, "latest",
		map[string]string{"a": "1"},
		map[string]string{"b": "2"},
		map[string]string{"c": "3"},
	)

	reg.mu.Lock()
	reg.failBlobs[layerDigests[2]] = true
	reg.mu.Unlock()

	mgr := openTestManager(t)

	_, err := mgr.Pull(context.Background(), reg.reference("latest"), nil)
	if !errors.Is(err, ErrRegistry) {
		t.Fatalf("Pull error = %v, want ErrRegistry", err)
	}

	records, err := mgr.Images()
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("len(records) = %d after failed pull, want 0", len(records))
	}

	if _, err := os.Stat(mgr.store.RootfsPath(manifestDigest)); !os.IsNotExist(err) {
		t.Fatal("rootfs visible after failed pull")
	}
}

func TestPullCorruptBlobAborts(t *testing.T) {
	reg := newFakeRegistry(t)

	img := ocispec.Image{}
	configBytes, _ := json.Marshal(img)
	configDigest := reg.addBlob(configBytes)

	layer := buildLayer(t, map[string]string{"a": "1"})
	// Advertise the layer under a digest its bytes do not hash to.
	wrong := digest.FromBytes([]byte("advertised"))
	reg.mu.Lock()
	reg.blobs[wrong] = layer
	reg.mu.Unlock()

	reg.addManifest("latest", ocispec.Manifest{
		Config: ocispec.Descriptor{Digest: configDigest, Size: int64(len(configBytes))},
		Layers: []ocispec.Descriptor{{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    wrong,
			Size:      int64(len(layer)),
		}},
	})

	mgr := openTestManager(t)

	_, err := mgr.Pull(context.Background(), reg.reference("latest"), nil)
	if err == nil {
		t.Fatal("Pull succeeded with corrupt blob")
	}
	if !errors.Is(err, store.ErrDigestMismatch) {
		t.Fatalf("Pull error = %v, want store.ErrDigestMismatch", err)
	}

	records, _ := mgr.Images()
	if len(records) != 0 {
		t.Fatalf("len(records) = %d after corrupt pull, want 0", len(records))
	}
}

func TestPullPlatformNotSupported(t *testing.T) {
	reg := newFakeRegistry(t)

	index := ocispec.Index{
		Manifests: []ocispec.Descriptor{{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    digest.FromBytes([]byte("m")),
			Platform:  &ocispec.Platform{OS: "plan9", Architecture: "mips"},
		}},
	}
	data, _ := json.Marshal(index)
	reg.mu.Lock()
	reg.manifests["latest"] = data
	reg.types["latest"] = ocispec.MediaTypeImageIndex
	reg.mu.Unlock()

	mgr := openTestManager(t)

	_, err := mgr.Pull(context.Background(), reg.reference("latest"), nil)
	if !errors.Is(err, ErrPlatformNotSupported) {
		t.Fatalf("Pull error = %v, want ErrPlatformNotSupported", err)
	}

	records, _ := mgr.Images()
	if len(records) != 0 {
		t.Fatalf("len(records) = %d, want 0", len(records))
	}
}

func TestRemoveImage(t *testing.T) {
	reg := newFakeRegistry(t)
	manifestDigest, layerDigests := publishImage(t, reg, "latest",
		map[string]string{"a": "1"},
	)

	mgr := openTestManager(t)

	if _, err := mgr.Pull(context.Background(), reg.reference("latest"), nil); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	if err := mgr.Remove(reg.reference("latest")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	records, _ := mgr.Images()
	if len(records) != 0 {
		t.Fatalf("len(records) = %d after Remove, want 0", len(records))
	}
	if _, err := os.Stat(mgr.store.RootfsPath(manifestDigest)); !os.IsNotExist(err) {
		t.Fatal("rootfs still present after Remove")
	}

	// Blobs stay; other images may share them.
	for _, dgst := range layerDigests {
		if !mgr.store.Has(dgst) {
			t.Fatalf("blob %s removed; blobs must survive image removal", dgst)
		}
	}
}

func TestRemoveUnknownImage(t *testing.T) {
	mgr := openTestManager(t)

	err := mgr.Remove("docker.io/library/absent:latest")
	if !errdefs.IsNotFound(err) {
		t.Fatalf("Remove error = %v, want not found", err)
	}
}

func TestPullInvalidReference(t *testing.T) {
	mgr := openTestManager(t)

	_, err := mgr.Pull(context.Background(), "NOT::a//valid??ref", nil)
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("Pull error = %v, want ErrInvalidReference", err)
	}
}
