package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aeolun/sbcp/pkg/transport"
	"golang.org/x/crypto/ssh"
)

const sshHandshakeTimeout = 10 * time.Second

// startSSHServer starts the SSH listener when ssh_port is configured.
// SBCP is spoken directly on each accepted session channel.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		debugLog.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	hostKey, err := loadOrGenerateHostKey(s.config.SSHHostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.SSHPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener
	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, newSSHServerConfig(hostKey))
	return nil
}

// newSSHServerConfig builds the server config. Usernames are chosen with
// JOIN, so the SSH layer does not authenticate anyone.
func newSSHServerConfig(hostKey ssh.Signer) *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: "SSH-2.0-SBCP",
	}
	config.AddHostKey(hostKey)
	return config
}

func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("SSH accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection performs the handshake and turns every session
// channel into an independent SBCP connection
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()

	untrack := s.track(conn)
	defer untrack()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	remote := sshConn.RemoteAddr().String()
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			debugLog.Printf("SSH %s: could not accept channel: %v", remote, err)
			continue
		}

		go handleSSHChannelRequests(requests)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(transport.NewSSHConn(channel, remote), "ssh", remote)
		}()
	}
}

// handleSSHChannelRequests accepts the requests an interactive client sends
// before it starts writing, and refuses everything else
func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// loadOrGenerateHostKey reads the host key at path, creating an Ed25519 key
// there first if none exists
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}
	keyPath, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key %s: %w", keyPath, err)
		}
		debugLog.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(privateKey, "sbcpd host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	return ssh.NewSignerFromKey(privateKey)
}
