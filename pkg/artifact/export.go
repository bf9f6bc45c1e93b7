// Package artifact pushes trained weights to an edge device over SFTP.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/vyvo/trainconsole/pkg/trainjob"
)

const (
	WeightsFile  = "best.pt"
	ManifestFile = "manifest.yaml"
)

// ErrNoResult is returned when exporting a job that has not completed.
var ErrNoResult = errors.New("job has no trained weights")

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Target identifies the device that receives the artifact.
type Target struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	RemoteDir  string `json:"remote_dir"`
}

func (t Target) validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return errors.New("host is required")
	}
	if strings.TrimSpace(t.Username) == "" {
		return errors.New("username is required")
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("invalid port %d", t.Port)
	}
	return nil
}

// Manifest describes an exported model next to its weights.
type Manifest struct {
	JobID           string          `yaml:"job_id"`
	WeightsFile     string          `yaml:"weights_file"`
	Metrics         Metrics         `yaml:"metrics"`
	Hyperparameters trainjob.Config `yaml:"hyperparameters"`
	ExportedAt      time.Time       `yaml:"exported_at"`
}

type Metrics struct {
	Accuracy     float64 `yaml:"accuracy"`
	Loss         float64 `yaml:"loss"`
	TrainingTime float64 `yaml:"training_time"`
}

// NewManifest builds the manifest for a completed job.
func NewManifest(job trainjob.Job, exportedAt time.Time) (Manifest, error) {
	if job.Result == nil {
		return Manifest{}, ErrNoResult
	}
	return Manifest{
		JobID:       job.ID,
		WeightsFile: WeightsFile,
		Metrics: Metrics{
			Accuracy:     job.Result.Accuracy,
			Loss:         job.Result.Loss,
			TrainingTime: job.Result.TrainingTime,
		},
		Hyperparameters: job.Config.Clone(),
		ExportedAt:      exportedAt.UTC(),
	}, nil
}

// Receipt reports where an export landed.
type Receipt struct {
	JobID        string `json:"job_id"`
	Host         string `json:"host"`
	WeightsPath  string `json:"weights_path"`
	ManifestPath string `json:"manifest_path"`
	Bytes        int    `json:"bytes"`
}

type Exporter struct {
	defaultKeyPath string
	dialTimeout    time.Duration
	logger         Logger
	now            func() time.Time
}

// NewExporter creates an exporter. defaultKeyPath is tried when a target
// carries neither a password nor a private key.
func NewExporter(defaultKeyPath string, logger Logger) *Exporter {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Exporter{
		defaultKeyPath: defaultKeyPath,
		dialTimeout:    30 * time.Second,
		logger:         logger,
		now:            time.Now,
	}
}

// Export reads the job's weights from disk and pushes them with a manifest.
func (e *Exporter) Export(ctx context.Context, target Target, job trainjob.Job) (Receipt, error) {
	if err := target.validate(); err != nil {
		return Receipt{}, fmt.Errorf("invalid target: %w", err)
	}
	manifest, err := NewManifest(job, e.now())
	if err != nil {
		return Receipt{}, err
	}
	if job.WeightsURI == "" {
		return Receipt{}, ErrNoResult
	}
	weights, err := os.ReadFile(job.WeightsURI)
	if err != nil {
		return Receipt{}, fmt.Errorf("read weights: %w", err)
	}

	client, err := e.dial(ctx, target)
	if err != nil {
		return Receipt{}, err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return Receipt{}, fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	receipt, err := Push(sftpClient, target.RemoteDir, manifest, weights)
	if err != nil {
		e.logger.Error("artifact export failed", "job_id", job.ID, "host", target.Host, "error", err)
		return Receipt{}, err
	}
	receipt.Host = target.Host
	e.logger.Info("artifact exported", "job_id", job.ID, "host", target.Host, "path", receipt.WeightsPath)
	return receipt, nil
}

// Push writes the weights and manifest into remoteDir on an open SFTP session.
func Push(client *sftp.Client, remoteDir string, manifest Manifest, weights []byte) (Receipt, error) {
	dir := remoteDir
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	dir = path.Join(dir, manifest.JobID)

	doc, err := yaml.Marshal(manifest)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := client.MkdirAll(dir); err != nil {
		return Receipt{}, fmt.Errorf("create %s: %w", dir, err)
	}

	weightsPath := path.Join(dir, WeightsFile)
	if err := pushFile(client, weightsPath, weights); err != nil {
		return Receipt{}, fmt.Errorf("upload weights: %w", err)
	}
	manifestPath := path.Join(dir, ManifestFile)
	if err := pushFile(client, manifestPath, doc); err != nil {
		return Receipt{}, fmt.Errorf("upload manifest: %w", err)
	}
	return Receipt{
		JobID:        manifest.JobID,
		WeightsPath:  weightsPath,
		ManifestPath: manifestPath,
		Bytes:        len(weights),
	}, nil
}

func pushFile(client *sftp.Client, remotePath string, data []byte) error {
	file, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (e *Exporter) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	authMethods, err := e.authMethods(target)
	if err != nil {
		return nil, err
	}
	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))
	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.dialTimeout,
	}

	dialer := net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (e *Exporter) authMethods(target Target) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(target.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(target.Password); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) > 0 {
		return methods, nil
	}

	signer, err := defaultSigner(e.defaultKeyPath)
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func defaultSigner(keyPath string) (ssh.Signer, error) {
	if keyPath = strings.TrimSpace(keyPath); keyPath != "" {
		data, err := os.ReadFile(expandHome(keyPath))
		if err != nil {
			return nil, err
		}
		return ssh.ParsePrivateKey(data)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(data); err == nil {
			return signer, nil
		}
	}
	return nil, errors.New("no default private key found")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
