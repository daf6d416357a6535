package recording

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/eus-proxy/internal/browser"
	"github.com/shehryarbajwa/eus-proxy/pkg/models"
)

const (
	startScript = "start-video-recording.sh"
	stopScript  = "stop-video-recording.sh"
)

// Containers is the part of the container provisioner the recorder drives
type Containers interface {
	StartAndWait(ctx context.Context, spec browser.ContainerSpec) error
	Stop(ctx context.Context, name string) error
	AllocateFreePort() (int, error)
	ServerIP(ctx context.Context) (string, error)
	Exec(ctx context.Context, name string, cmd []string) error
	CopyFrom(ctx context.Context, name, path string) (io.ReadCloser, error)
}

// Options configures the VNC sidecar and where artifacts land
type Options struct {
	Image             string
	ExposedPort       int
	VncPassword       string
	NamePrefix        string
	Network           string
	Dir               string
	ContainerPath     string
	Extension         string
	MetadataExtension string
}

// Recorder runs a noVNC sidecar per session and captures its screen to a file
type Recorder struct {
	containers Containers
	opts       Options
	logger     *zap.Logger
}

// NewRecorder creates the recordings directory if needed
func NewRecorder(containers Containers, opts Options, logger *zap.Logger) (*Recorder, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	return &Recorder{
		containers: containers,
		opts:       opts,
		logger:     logger.Named("recording"),
	}, nil
}

// Start launches the VNC sidecar for sess and begins recording.
// On failure nothing is left running and sess has no VNC container attached.
func (r *Recorder) Start(ctx context.Context, sess *models.Session) error {
	port, err := r.containers.AllocateFreePort()
	if err != nil {
		return err
	}

	name := r.opts.NamePrefix + "vnc-" + uuid.New().String()[:8]
	spec := browser.ContainerSpec{
		Image:   r.opts.Image,
		Name:    name,
		Ports:   map[int]int{r.opts.ExposedPort: port},
		Network: r.opts.Network,
		Labels:  map[string]string{"eus.session": sess.ID},
	}
	if err := r.containers.StartAndWait(ctx, spec); err != nil {
		r.release(name)
		return fmt.Errorf("failed to start vnc container: %w", err)
	}

	ip, err := r.containers.ServerIP(ctx)
	if err != nil {
		r.release(name)
		return err
	}

	sess.AttachVnc(name, r.vncURL(ip, port, sess.VncBindPort))

	cmd := []string{startScript, "-n", sess.ID}
	if err := r.containers.Exec(ctx, name, cmd); err != nil {
		sess.DetachVnc()
		r.release(name)
		return fmt.Errorf("failed to start recording: %w", err)
	}

	r.logger.Info("Recording started",
		zap.String("session_id", sess.ID),
		zap.String("container", name))
	return nil
}

func (r *Recorder) vncURL(ip string, novncPort, vncPort int) string {
	q := url.Values{}
	q.Set("host", ip)
	q.Set("port", fmt.Sprint(vncPort))
	q.Set("resize", "scale")
	q.Set("autoconnect", "true")
	q.Set("password", r.opts.VncPassword)
	return fmt.Sprintf("http://%s:%d/vnc.html?%s", ip, novncPort, q.Encode())
}

func (r *Recorder) release(name string) {
	if err := r.containers.Stop(context.Background(), name); err != nil {
		r.logger.Warn("Failed to release vnc container", zap.String("container", name), zap.Error(err))
	}
}

// Stop ends the recorder process in the sidecar
func (r *Recorder) Stop(ctx context.Context, sess *models.Session) error {
	name := sess.VncContainer()
	if name == "" {
		return nil
	}
	if err := r.containers.Exec(ctx, name, []string{stopScript}); err != nil {
		return fmt.Errorf("failed to stop recording of %s: %w", sess.ID, err)
	}
	return nil
}

// Persist copies the recorded video out of the sidecar and returns its file name
func (r *Recorder) Persist(ctx context.Context, sess *models.Session) (string, error) {
	name := sess.VncContainer()
	if name == "" {
		return "", fmt.Errorf("session %s has no recording", sess.ID)
	}

	fileName := sess.ID + r.opts.Extension
	src := strings.TrimSuffix(r.opts.ContainerPath, "/") + "/" + fileName

	rc, err := r.containers.CopyFrom(ctx, name, src)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	if err := extract(rc, r.opts.Dir); err != nil {
		return "", fmt.Errorf("failed to extract recording: %w", err)
	}

	r.logger.Info("Recording stored",
		zap.String("session_id", sess.ID),
		zap.String("file", filepath.Join(r.opts.Dir, fileName)))
	return fileName, nil
}

// PersistMetadata writes the session description next to its recording
func (r *Recorder) PersistMetadata(sess *models.Session, artifact string) error {
	info := sess.Info()
	info.Recording = artifact

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(r.opts.Dir, sess.ID+r.opts.MetadataExtension)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// List returns the metadata of every stored recording, oldest first
func (r *Recorder) List() ([]models.SessionInfo, error) {
	entries, err := os.ReadDir(r.opts.Dir)
	if err != nil {
		return nil, err
	}

	var out []models.SessionInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != r.opts.MetadataExtension {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.opts.Dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var info models.SessionInfo
		if err := json.Unmarshal(data, &info); err != nil {
			r.logger.Warn("Skipping unreadable metadata", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreationTime < out[j].CreationTime })
	return out, nil
}

// extract unpacks a tar stream as produced by the Docker copy API into dir
func extract(r io.Reader, dir string) error {
	tarReader := tar.NewReader(r)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// rooted before joining so entries cannot escape dir
		targetPath := filepath.Join(dir, filepath.Clean("/"+header.Name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}

			outFile, err := os.Create(targetPath)
			if err != nil {
				return err
			}

			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			outFile.Close()
		}
	}
}
