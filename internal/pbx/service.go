package pbx

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner executes a PBX CLI command and returns its raw output.
// It is the boundary to the host Asterisk process; tests substitute a stub.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// CLIRunner runs commands through `asterisk -rx` on the local host.
type CLIRunner struct {
	// Bin is the asterisk binary, "asterisk" by default.
	Bin string
	// UseSudo prefixes the invocation with sudo; the PBX socket is usually
	// root-owned.
	UseSudo bool
	// Timeout bounds a single CLI invocation.
	Timeout time.Duration
}

func (r CLIRunner) Run(ctx context.Context, command string) (string, error) {
	bin := r.Bin
	if bin == "" {
		bin = "asterisk"
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if r.UseSudo {
		cmd = exec.CommandContext(ctx, "sudo", bin, "-rx", command)
	} else {
		cmd = exec.CommandContext(ctx, bin, "-rx", command)
	}

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("asterisk command %q failed: %w", command, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Service composes CLI execution with parsing and merging.
type Service struct {
	runner Runner
	log    *slog.Logger
}

func NewService(runner Runner, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{runner: runner, log: log}
}

// SIPUsers returns the merged registration state of all PBX endpoints.
// Individual malformed rows are dropped by the parsers; only a failed CLI
// invocation is an error.
func (s *Service) SIPUsers(ctx context.Context) ([]RegisteredUser, error) {
	endpointsOut, err := s.runner.Run(ctx, "pjsip show endpoints")
	if err != nil {
		return nil, err
	}
	contactsOut, err := s.runner.Run(ctx, "pjsip show contacts")
	if err != nil {
		return nil, err
	}

	endpoints := ParseEndpoints(endpointsOut)
	contacts := ParseContacts(contactsOut)
	users := MergeRegistrations(endpoints, contacts)

	s.log.Debug("pbx registry refreshed", "endpoints", len(endpoints), "contacts", len(contacts), "users", len(users))
	return users, nil
}

// SIPUser returns a single user by username, or ok=false when unknown.
func (s *Service) SIPUser(ctx context.Context, username string) (RegisteredUser, bool, error) {
	users, err := s.SIPUsers(ctx)
	if err != nil {
		return RegisteredUser{}, false, err
	}
	for _, u := range users {
		if u.Username == username {
			return u, true, nil
		}
	}
	return RegisteredUser{}, false, nil
}
