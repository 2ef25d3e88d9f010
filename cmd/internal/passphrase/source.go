package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting the operator. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	label  string
	empty  bool

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal. label names the keystore in prompts
// and errors ("owner", "responder").
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label}
}

// AllowEmpty accepts an empty passphrase. Keystores created by config.Load
// use one until the operator re-encrypts them.
func (s *Source) AllowEmpty() *Source {
	s.empty = true
	return s
}

// Get returns the cached passphrase or resolves it if this is the first call.
// When the environment variable is set its exact value is used; otherwise the
// operator is prompted on stderr.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" && !s.empty {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.empty {
				return
			}
			if s.envVar != "" {
				s.err = fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
			} else {
				s.err = fmt.Errorf("%s passphrase required and no terminal available", s.label)
			}
			return
		}

		fmt.Fprintf(os.Stderr, "Enter %s keystore passphrase: ", s.label)
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}

		passphrase := string(bytes)
		if strings.TrimSpace(passphrase) == "" && !s.empty {
			s.err = errors.New("keystore passphrase cannot be empty")
			return
		}

		s.value = passphrase
	})

	return s.value, s.err
}
