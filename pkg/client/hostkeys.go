package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var errHostKeyRejected = errors.New("ssh host key rejected")

// hostKeyVerifier checks server keys against known_hosts and asks the user
// about keys it has never seen (trust on first use). Accepted keys are
// appended to the first known_hosts file once the handshake completes.
type hostKeyVerifier struct {
	host      string
	port      string
	paths     []string
	callbacks []ssh.HostKeyCallback
	accepted  map[string]ssh.PublicKey

	// Overridable for tests
	interactive func() bool
	prompt      func(hostname, fingerprint string) (bool, error)
}

func newHostKeyVerifier(host, port string) *hostKeyVerifier {
	v := &hostKeyVerifier{
		host:        host,
		port:        port,
		paths:       knownHostPaths(),
		accepted:    make(map[string]ssh.PublicKey),
		interactive: isInteractive,
		prompt:      promptAcceptHostKey,
	}
	for _, path := range v.paths {
		if cb, err := knownhosts.New(path); err == nil {
			v.callbacks = append(v.callbacks, cb)
		}
	}
	return v
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	var lastErr error
	for _, cb := range v.callbacks {
		err := cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	var keyErr *knownhosts.KeyError
	if lastErr != nil && !errors.As(lastErr, &keyErr) {
		return lastErr
	}
	if keyErr != nil && len(keyErr.Want) > 0 {
		return fmt.Errorf("ssh host key for %s changed: server presented %s but known_hosts expects %s. Remove the old entry if the change is expected",
			hostname, ssh.FingerprintSHA256(key), ssh.FingerprintSHA256(keyErr.Want[0].Key))
	}
	return v.unknownKey(hostname, key)
}

func (v *hostKeyVerifier) unknownKey(hostname string, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)
	if prev, ok := v.accepted[hostname]; ok && ssh.FingerprintSHA256(prev) == fingerprint {
		return nil
	}

	if !v.interactive() {
		return fmt.Errorf("ssh host key %s for %s is not trusted. Add it with `ssh-keyscan -p %s %s >> %s` and retry",
			fingerprint, hostname, v.port, v.host, v.knownHostsPath())
	}

	ok, err := v.prompt(hostname, fingerprint)
	if err != nil {
		return err
	}
	if !ok {
		return errHostKeyRejected
	}
	v.accepted[hostname] = key
	return nil
}

func (v *hostKeyVerifier) knownHostsPath() string {
	if len(v.paths) > 0 {
		return v.paths[0]
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ssh", "known_hosts")
}

// wrapError turns handshake failures into actionable messages
func (v *hostKeyVerifier) wrapError(err error) error {
	if errors.Is(err, errHostKeyRejected) {
		return fmt.Errorf("connection aborted: rejected SSH host key for %s", net.JoinHostPort(v.host, v.port))
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("ssh authentication failed for %s: an SBCP server accepts any SSH login, so this is probably a different service", net.JoinHostPort(v.host, v.port))
	}
	return err
}

// persistAccepted writes keys the user accepted during this handshake
func (v *hostKeyVerifier) persistAccepted(serverVersion string) {
	if len(v.accepted) == 0 {
		return
	}
	path := v.knownHostsPath()
	for host, key := range v.accepted {
		if err := appendKnownHost(path, host, serverVersion, key); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not save SSH host key for %s to %s: %v\n", host, path, err)
		}
	}
	v.accepted = make(map[string]ssh.PublicKey)
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range filepath.SplitList(env) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

func appendKnownHost(path, hostname, serverVersion string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintf(f, "%s %s added=%s\n", line, serverVersion, time.Now().Format(time.RFC3339))
	return err
}

func promptAcceptHostKey(hostname, fingerprint string) (bool, error) {
	fmt.Printf("\nThe authenticity of host '%s' can't be established.\n", hostname)
	fmt.Printf("SSH key fingerprint is %s.\n", fingerprint)
	fmt.Print("Do you trust this host? (yes/no) [no]: ")

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y", nil
}

func isInteractive() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
