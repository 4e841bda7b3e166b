package policy

import (
	"log"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Allowlist restricts goto navigation to a set of hostnames. An empty list
// means unrestricted. A subdomain matches its listed parent domain
// ("docs.example.com" is allowed by "example.com").
type Allowlist struct {
	mu    sync.RWMutex
	hosts []string

	watcher *fsnotify.Watcher
}

// NewAllowlist builds an allowlist from the configured hostnames.
func NewAllowlist(hosts []string) *Allowlist {
	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			normalized = append(normalized, h)
		}
	}
	return &Allowlist{hosts: normalized}
}

// Allows reports whether navigation to rawURL is permitted.
func (a *Allowlist) Allows(rawURL string) bool {
	a.mu.RLock()
	hosts := a.hosts
	a.mu.RUnlock()

	if len(hosts) == 0 {
		return true
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return false
	}

	for _, allowed := range hosts {
		if hostname == allowed || strings.HasSuffix(hostname, "."+allowed) {
			return true
		}
	}
	return false
}

// Hosts returns a copy of the current allowlist.
func (a *Allowlist) Hosts() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.hosts))
	copy(out, a.hosts)
	return out
}

func (a *Allowlist) replace(hosts []string) {
	a.mu.Lock()
	a.hosts = hosts
	a.mu.Unlock()
}

// WatchFile loads hostnames (one per line, '#' comments) from filePath and
// reloads them whenever the file changes. The file contents replace the
// env-configured list entirely.
func (a *Allowlist) WatchFile(filePath string) error {
	if err := a.loadFile(filePath); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filePath); err != nil {
		watcher.Close()
		return err
	}
	a.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := a.loadFile(filePath); err != nil {
						log.Printf("⚠️  [ALLOWLIST] Reload failed: %v", err)
					} else {
						log.Printf("🔄 [ALLOWLIST] Reloaded %s (%d hosts)", filePath, len(a.Hosts()))
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️  [ALLOWLIST] Watcher error: %v", err)
			}
		}
	}()

	log.Printf("👀 [ALLOWLIST] Watching %s for changes", filePath)
	return nil
}

// Close stops the file watcher if one is running.
func (a *Allowlist) Close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
}

func (a *Allowlist) loadFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	var hosts []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	a.replace(hosts)
	return nil
}
