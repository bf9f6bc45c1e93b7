package artifact

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"gopkg.in/yaml.v3"

	"github.com/vyvo/trainconsole/pkg/trainjob"
)

func completedJob() trainjob.Job {
	return trainjob.Job{
		ID:     "job-7",
		Status: trainjob.StatusCompleted,
		Config: trainjob.Config{"epochs": 5, "optimizer": "adam"},
		Result: &trainjob.Result{Accuracy: 0.91, Loss: 0.2, TrainingTime: 11},
	}
}

func newMemSFTP(t *testing.T) *sftp.Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		t.Fatalf("NewClientPipe returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client
}

func readRemote(t *testing.T, client *sftp.Client, p string) []byte {
	t.Helper()
	f, err := client.Open(p)
	if err != nil {
		t.Fatalf("open %s: %v", p, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return data
}

func TestPushWritesWeightsAndManifest(t *testing.T) {
	client := newMemSFTP(t)
	exportedAt := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	manifest, err := NewManifest(completedJob(), exportedAt)
	if err != nil {
		t.Fatalf("NewManifest returned error: %v", err)
	}

	receipt, err := Push(client, "/models", manifest, []byte("weights"))
	if err != nil {
		t.Fatalf("Push returned error: %v", err)
	}
	if receipt.WeightsPath != "/models/job-7/best.pt" || receipt.ManifestPath != "/models/job-7/manifest.yaml" {
		t.Fatalf("unexpected receipt: %#v", receipt)
	}
	if receipt.Bytes != len("weights") {
		t.Fatalf("unexpected byte count %d", receipt.Bytes)
	}

	if got := string(readRemote(t, client, receipt.WeightsPath)); got != "weights" {
		t.Fatalf("unexpected weights content %q", got)
	}

	var decoded Manifest
	if err := yaml.Unmarshal(readRemote(t, client, receipt.ManifestPath), &decoded); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if decoded.JobID != "job-7" || decoded.Metrics.Accuracy != 0.91 || !decoded.ExportedAt.Equal(exportedAt) {
		t.Fatalf("unexpected manifest: %#v", decoded)
	}
	if epochs, _ := decoded.Hyperparameters.Int(trainjob.KeyEpochs); epochs != 5 {
		t.Fatalf("hyperparameters not carried: %#v", decoded.Hyperparameters)
	}
}

func TestNewManifestRequiresResult(t *testing.T) {
	job := completedJob()
	job.Result = nil
	if _, err := NewManifest(job, time.Now()); !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}
}

func TestExportValidatesTarget(t *testing.T) {
	e := NewExporter("", nil)
	_, err := e.Export(context.Background(), Target{Username: "edge"}, completedJob())
	if err == nil || !strings.Contains(err.Error(), "host is required") {
		t.Fatalf("expected missing host error, got %v", err)
	}
	_, err = e.Export(context.Background(), Target{Host: "10.0.0.2", Username: "edge", Port: 70000}, completedJob())
	if err == nil || !strings.Contains(err.Error(), "invalid port") {
		t.Fatalf("expected port error, got %v", err)
	}
}

func TestExportRequiresWeightsFile(t *testing.T) {
	e := NewExporter("", nil)
	target := Target{Host: "10.0.0.2", Username: "edge", Password: "pw"}

	if _, err := e.Export(context.Background(), target, completedJob()); !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult without weights uri, got %v", err)
	}

	job := completedJob()
	job.WeightsURI = filepath.Join(t.TempDir(), "missing.pt")
	if _, err := e.Export(context.Background(), target, job); err == nil || !strings.Contains(err.Error(), "read weights") {
		t.Fatalf("expected read weights error, got %v", err)
	}
}

func TestAuthMethods(t *testing.T) {
	e := NewExporter(filepath.Join(t.TempDir(), "absent_key"), nil)

	methods, err := e.authMethods(Target{Password: "secret"})
	if err != nil || len(methods) != 1 {
		t.Fatalf("expected password auth, got %d methods err=%v", len(methods), err)
	}
	if _, err := e.authMethods(Target{PrivateKey: "not a key"}); err == nil || !strings.Contains(err.Error(), "parse ssh private key") {
		t.Fatalf("expected key parse error, got %v", err)
	}
	if _, err := e.authMethods(Target{}); err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing default key error, got %v", err)
	}
}
