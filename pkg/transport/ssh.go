package transport

import (
	"golang.org/x/crypto/ssh"
)

// SSHConn wraps an ssh.Channel so it can be handed to the SBCP codec.
// SSH channels are already byte streams; they do not support deadlines.
type SSHConn struct {
	channel ssh.Channel
	remote  string
}

// NewSSHConn wraps an accepted or opened session channel
func NewSSHConn(channel ssh.Channel, remoteAddr string) *SSHConn {
	return &SSHConn{channel: channel, remote: remoteAddr}
}

func (c *SSHConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *SSHConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

// Close closes the channel. The owning ssh connection is closed by its handler.
func (c *SSHConn) Close() error {
	return c.channel.Close()
}

// RemoteAddr returns the peer address of the SSH connection
func (c *SSHConn) RemoteAddr() string {
	return c.remote
}
