// Package users provisions throwaway OS accounts for play sessions.
package users

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/decred/slog"
)

// LoginPrefix marks every account this service owns. Deprovisioning
// refuses to touch anything outside the prefix.
const LoginPrefix = "nh_"

var loginRE = regexp.MustCompile(`^nh_[a-z0-9]{1,16}$`)

// ValidLogin reports whether login is a name this manager could have
// generated.
func ValidLogin(login string) bool {
	return loginRE.MatchString(login)
}

const defaultRCFile = `OPTIONS=color,hilite_pet,showexp,time
OPTIONS=autopickup,pickup_types:$
OPTIONS=!cmdassist
`

type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Manager creates and removes the per-session OS accounts. Commands are
// wrapped in sudo when the process is not running as root.
type Manager struct {
	log   slog.Logger
	shell string
	sudo  bool
	run   runner
}

// NewManager builds a manager whose accounts get shell as their login
// shell, normally the game launcher wrapper.
func NewManager(log slog.Logger, shell string) *Manager {
	return &Manager{
		log:   log,
		shell: shell,
		sudo:  os.Geteuid() != 0,
		run:   execRunner,
	}
}

func (m *Manager) command(ctx context.Context, name string, args ...string) ([]byte, error) {
	if m.sudo {
		return m.run(ctx, "sudo", append([]string{"-n", name}, args...)...)
	}
	return m.run(ctx, name, args...)
}

// Provision creates the account, sets its password, and drops a default
// game rc file into its home directory. It returns the OS uid used to
// correlate game log records back to the session.
func (m *Manager) Provision(ctx context.Context, login, password string) (int64, error) {
	if !ValidLogin(login) {
		return 0, fmt.Errorf("refusing to provision login %q", login)
	}
	out, err := m.command(ctx, "useradd", "--create-home", "--shell", m.shell, login)
	if err != nil {
		return 0, fmt.Errorf("useradd %s: %w: %s", login, err, strings.TrimSpace(string(out)))
	}
	// chpasswd reads login:password pairs on stdin.
	out, err = m.command(ctx, "sh", "-c",
		fmt.Sprintf("echo %s | chpasswd", shellQuote(login+":"+password)))
	if err != nil {
		return 0, fmt.Errorf("set password for %s: %w: %s", login, err, strings.TrimSpace(string(out)))
	}
	uid, err := m.lookupUID(ctx, login)
	if err != nil {
		return 0, err
	}
	if err := m.writeRCFile(ctx, login); err != nil {
		m.log.Warnf("rc file for %s: %v", login, err)
	}
	m.log.Infof("provisioned account %s (uid %d)", login, uid)
	return uid, nil
}

func (m *Manager) lookupUID(ctx context.Context, login string) (int64, error) {
	out, err := m.command(ctx, "id", "-u", login)
	if err != nil {
		return 0, fmt.Errorf("id -u %s: %w", login, err)
	}
	uid, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse uid for %s: %w", login, err)
	}
	return uid, nil
}

func (m *Manager) writeRCFile(ctx context.Context, login string) error {
	home := filepath.Join("/home", login)
	rc := filepath.Join(home, ".nethackrc")
	out, err := m.command(ctx, "sh", "-c",
		fmt.Sprintf("printf %s > %s && chown %s %s",
			shellQuote(defaultRCFile), shellQuote(rc),
			shellQuote(login+":"+login), shellQuote(rc)))
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Deprovision removes the account and its home directory. A missing
// account is not an error; ended sessions may be cleaned twice.
func (m *Manager) Deprovision(ctx context.Context, login string) error {
	if !ValidLogin(login) {
		return fmt.Errorf("refusing to deprovision login %q", login)
	}
	out, err := m.command(ctx, "userdel", "--remove", login)
	if err != nil {
		if strings.Contains(string(out), "does not exist") {
			return nil
		}
		return fmt.Errorf("userdel %s: %w: %s", login, err, strings.TrimSpace(string(out)))
	}
	m.log.Infof("removed account %s", login)
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
