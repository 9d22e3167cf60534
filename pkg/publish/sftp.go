// Package publish copies finished build artifacts to a remote host over SFTP.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/wbld/backend/pkg/build"
)

// Config locates the remote artifact directory.
type Config struct {
	Addr           string `mapstructure:"addr"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	KeyFile        string `mapstructure:"key_file"`
	KnownHostsFile string `mapstructure:"known_hosts_file"`
	Dir            string `mapstructure:"dir"`
}

// Enabled reports whether a remote host is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

// Publisher uploads the files of terminal records.
type Publisher struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		cfg.Dir = "wbld"
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Publish uploads build.json, combined.txt and firmware.bin of rec into
// <dir>/<id>/. Missing local files are skipped.
func (p *Publisher) Publish(ctx context.Context, rec *build.Record) error {
	if !rec.State().Terminal() {
		return fmt.Errorf("build %s is still %s", rec.ID(), rec.State())
	}

	config, err := p.clientConfig()
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ssh dial failed: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, p.cfg.Addr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake failed: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	return p.upload(sftpClient, rec)
}

func (p *Publisher) upload(client *sftp.Client, rec *build.Record) error {
	remoteDir := path.Join(p.cfg.Dir, rec.ID())
	if err := client.MkdirAll(remoteDir); err != nil {
		return fmt.Errorf("create remote directory %s: %w", remoteDir, err)
	}

	uploaded := 0
	for _, name := range []string{build.MetadataFile, build.LogFile, build.FirmwareFile} {
		local := filepath.Join(rec.Dir(), name)
		f, err := os.Open(local)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		err = pushFile(client, path.Join(remoteDir, name), f, 0o644)
		f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		uploaded++
	}

	p.logger.Info("published build artifacts", "build", rec.ID(), "remote", remoteDir, "files", uploaded)
	return nil
}

func pushFile(client *sftp.Client, remotePath string, src io.Reader, perm os.FileMode) error {
	file, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, src); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return client.Chmod(remotePath, perm)
}

func (p *Publisher) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := p.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if p.cfg.KnownHostsFile != "" {
		hostKeys, err = knownhosts.New(expandHome(p.cfg.KnownHostsFile))
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            p.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         30 * time.Second,
	}, nil
}

func (p *Publisher) authMethods() ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if keyFile := strings.TrimSpace(p.cfg.KeyFile); keyFile != "" {
		data, err := os.ReadFile(expandHome(keyFile))
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(p.cfg.Password); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) > 0 {
		return methods, nil
	}

	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			continue
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
