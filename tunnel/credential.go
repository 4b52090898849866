package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/term"
)

// Credential is a user name plus the authentication methods offered
// for it, in order.
type Credential struct {
	User    string
	Methods []ssh.AuthMethod
}

// CredentialProvider produces the credential used when a session is
// opened.  It is called once per OpenSession.
type CredentialProvider interface {
	Credential(ctx context.Context) (Credential, error)
}

// ProviderFunc adapts a function to CredentialProvider.
type ProviderFunc func(ctx context.Context) (Credential, error)

// Credential implements CredentialProvider.
func (f ProviderFunc) Credential(ctx context.Context) (Credential, error) { return f(ctx) }

// KeyFile authenticates with the private key at path.  Encrypted keys
// prompt for a passphrase when stdin is a terminal and fail otherwise.
func KeyFile(user, path string) CredentialProvider {
	return ProviderFunc(func(context.Context) (Credential, error) {
		m, err := publicKeyAuth(path, nil)
		if err != nil {
			return Credential{}, fmt.Errorf("key %s: %w", path, err)
		}
		return Credential{User: user, Methods: []ssh.AuthMethod{m}}, nil
	})
}

// KeyFileWithPassphrase authenticates with an encrypted private key.
func KeyFileWithPassphrase(user, path string, passphrase []byte) CredentialProvider {
	return ProviderFunc(func(context.Context) (Credential, error) {
		m, err := publicKeyAuth(path, passphrase)
		if err != nil {
			return Credential{}, fmt.Errorf("key %s: %w", path, err)
		}
		return Credential{User: user, Methods: []ssh.AuthMethod{m}}, nil
	})
}

// Agent authenticates with the keys held by the agent at SSH_AUTH_SOCK.
func Agent(user string) CredentialProvider {
	return ProviderFunc(func(context.Context) (Credential, error) {
		m, err := agentAuth()
		if err != nil {
			return Credential{}, fmt.Errorf("ssh-agent: %w", err)
		}
		return Credential{User: user, Methods: []ssh.AuthMethod{m}}, nil
	})
}

// Password authenticates with a fixed secret.
func Password(user, secret string) CredentialProvider {
	return ProviderFunc(func(context.Context) (Credential, error) {
		return Credential{User: user, Methods: []ssh.AuthMethod{ssh.Password(secret)}}, nil
	})
}

// PasswordPrompt reads the password from the terminal when a session
// is opened.
func PasswordPrompt(user string) CredentialProvider {
	return ProviderFunc(func(context.Context) (Credential, error) {
		m, err := passwordAuth()
		if err != nil {
			return Credential{}, err
		}
		return Credential{User: user, Methods: []ssh.AuthMethod{m}}, nil
	})
}

// Signers authenticates with in-memory signers.
func Signers(user string, signers ...ssh.Signer) CredentialProvider {
	return ProviderFunc(func(context.Context) (Credential, error) {
		if len(signers) == 0 {
			return Credential{}, fmt.Errorf("no signers for %s", user)
		}
		return Credential{User: user, Methods: []ssh.AuthMethod{ssh.PublicKeys(signers...)}}, nil
	})
}

// Chain concatenates the methods of several providers under one user.
// Any failing provider fails the chain.
func Chain(user string, providers ...CredentialProvider) CredentialProvider {
	return ProviderFunc(func(ctx context.Context) (Credential, error) {
		out := Credential{User: user}
		for _, p := range providers {
			c, err := p.Credential(ctx)
			if err != nil {
				return Credential{}, err
			}
			out.Methods = append(out.Methods, c.Methods...)
		}
		if len(out.Methods) == 0 {
			return Credential{}, fmt.Errorf("no SSH authentication methods for %s", user)
		}
		return out, nil
	})
}

// DefaultIdentity tries the agent and the common key file names under
// ~/.ssh without any explicit configuration.
func DefaultIdentity(user string) CredentialProvider {
	return ProviderFunc(func(context.Context) (Credential, error) {
		methods := defaultAuthMethods()
		if len(methods) == 0 {
			return Credential{}, fmt.Errorf(
				"no SSH authentication methods available for %s: "+
					"use --identity, --ssh-password, or --ssh-agent", user)
		}
		return Credential{User: user, Methods: methods}, nil
	})
}

// ── individual auth builders ─────────────────────────────────────────

// interactive reports whether prompts can be shown on stdin.
var interactive = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

func publicKeyAuth(keyPath string, passphrase []byte) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	var signer ssh.Signer
	if passphrase != nil {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
		if err != nil {
			return nil, fmt.Errorf("decrypting key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}

	signer, err = ssh.ParsePrivateKey(data)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); !ok {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
		if !interactive() {
			return nil, fmt.Errorf("key is encrypted and no terminal is available for the passphrase")
		}
		fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", keyPath)
		pass, err2 := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err2 != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err2)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
		if err != nil {
			return nil, fmt.Errorf("decrypting key: %w", err)
		}
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func passwordAuth() (ssh.AuthMethod, error) {
	if !interactive() {
		return nil, fmt.Errorf("password prompt needs a terminal")
	}
	fmt.Fprint(os.Stderr, "SSH password: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return ssh.Password(string(pass)), nil
}

// defaultAuthMethods tries the agent and the three most common key
// file names.  Encrypted keys are skipped rather than prompted for.
func defaultAuthMethods() []ssh.AuthMethod {
	var out []ssh.AuthMethod

	if m, err := agentAuth(); err == nil {
		out = append(out, m)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(data); err == nil {
			out = append(out, ssh.PublicKeys(signer))
		}
	}
	return out
}
