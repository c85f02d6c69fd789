package sso

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/session"
)

// DefaultEntitlements maps each role to the applications it may enter.
func DefaultEntitlements() map[session.Role][]string {
	return map[session.Role][]string{
		session.RoleAdmin:     {"reelcv", "reelhunter", "reelskills", "reelpersona", "reelproject"},
		session.RoleRecruiter: {"reelhunter", "reelpersona", "reelproject"},
		session.RoleCandidate: {"reelcv", "reelskills", "reelpersona", "reelproject"},
	}
}

// policyFile is the on-disk shape:
//
//	roles:
//	  admin: [reelcv, reelhunter]
//	  candidate: [reelcv]
type policyFile struct {
	Roles map[session.Role][]string `yaml:"roles"`
}

// Policy is the role to application entitlement map. It is safe for
// concurrent use and can be swapped at runtime.
type Policy struct {
	mu    sync.RWMutex
	roles map[session.Role]map[string]struct{}
}

// NewPolicy creates a policy from a role map.
func NewPolicy(roles map[session.Role][]string) *Policy {
	p := &Policy{}
	p.Set(roles)
	return p
}

// DefaultPolicy returns the built-in entitlements.
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultEntitlements())
}

// Set replaces the entitlements.
func (p *Policy) Set(roles map[session.Role][]string) {
	next := make(map[session.Role]map[string]struct{}, len(roles))
	for role, apps := range roles {
		set := make(map[string]struct{}, len(apps))
		for _, app := range apps {
			set[app] = struct{}{}
		}
		next[role] = set
	}
	p.mu.Lock()
	p.roles = next
	p.mu.Unlock()
}

// Allowed reports whether role may enter app. Unknown roles get nothing.
func (p *Policy) Allowed(role session.Role, app string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.roles[role][app]
	return ok
}

// Apps lists the applications open to role, sorted.
func (p *Policy) Apps(role session.Role) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	apps := make([]string, 0, len(p.roles[role]))
	for app := range p.roles[role] {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// LoadPolicyFile reads entitlements from a YAML file.
func LoadPolicyFile(path string) (map[session.Role][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if len(f.Roles) == 0 {
		return nil, fmt.Errorf("policy file %s defines no roles", path)
	}
	for role := range f.Roles {
		if !role.Valid() {
			return nil, fmt.Errorf("policy file %s: unknown role %q", path, role)
		}
	}
	return f.Roles, nil
}

// WatchPolicyFile loads path into p and reloads it whenever the file
// changes, until ctx is done. A bad edit is logged and the previous
// entitlements stay in force.
func WatchPolicyFile(ctx context.Context, path string, p *Policy, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}
	roles, err := LoadPolicyFile(path)
	if err != nil {
		return err
	}
	p.Set(roles)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy file: %w", err)
	}

	logger = logger.WithField("policy_file", path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				roles, err := LoadPolicyFile(path)
				if err != nil {
					logger.WithError(err).Warn("Keeping previous SSO policy")
					continue
				}
				p.Set(roles)
				logger.Info("SSO policy reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("SSO policy watcher error")
			}
		}
	}()
	return nil
}
