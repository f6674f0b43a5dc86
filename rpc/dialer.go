package rpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Dialer opens the stream connection to a unit server.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NetDialer dials directly over TCP.
func NetDialer() Dialer {
	return &net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}
}

// SSHConfig describes a jump host in front of the unit servers.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyPath  string
}

// SSHDialer tunnels unit connections through one shared SSH client to a
// jump host. The SSH client is established on first use and re-established
// after it fails.
type SSHDialer struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
}

// NewSSHDialer validates cfg and fills defaults.
func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh jump host is required")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Password == "" && cfg.KeyPath == "" {
		return nil, fmt.Errorf("no ssh password or key configured")
	}
	return &SSHDialer{cfg: cfg}, nil
}

func (d *SSHDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := d.jumpClient(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		d.reset(client)
		return nil, fmt.Errorf("dial %s via %s: %w", addr, d.cfg.Host, err)
	}
	return conn, nil
}

func (d *SSHDialer) jumpClient(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}

	auth := []ssh.AuthMethod{}
	if d.cfg.Password != "" {
		auth = append(auth, ssh.Password(d.cfg.Password))
	}
	if d.cfg.KeyPath != "" {
		key, err := os.ReadFile(d.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	config := &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := net.JoinHostPort(d.cfg.Host, fmt.Sprint(d.cfg.Port))
	nd := net.Dialer{}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	d.client = ssh.NewClient(clientConn, chans, reqs)
	return d.client, nil
}

func (d *SSHDialer) reset(failed *ssh.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == failed {
		d.client.Close()
		d.client = nil
	}
}

// Close tears down the jump host connection.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}
