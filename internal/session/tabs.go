package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"periscope/internal/browser"
	"periscope/internal/models"
)

// NewTab opens a page, installs its observer hooks and appends it to the
// session's tab list. The new tab does not become active unless the
// session had no tabs.
func (s *Session) NewTab(ctx context.Context) (*Tab, error) {
	s.mu.RLock()
	bctx := s.bctx
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("session %s is closed", s.ID)
	}

	page, err := bctx.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	tab := &Tab{
		ID:        uuid.New().String(),
		Page:      page,
		CreatedAt: time.Now(),
		url:       "about:blank",
	}
	s.installHooks(tab)

	s.mu.Lock()
	s.tabs = append(s.tabs, tab)
	if s.activeTabID == "" {
		s.activeTabID = tab.ID
	}
	s.mu.Unlock()

	return tab, nil
}

// ActiveTab returns the tab actions currently execute against.
func (s *Session) ActiveTab() *Tab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tabs {
		if t.ID == s.activeTabID {
			return t
		}
	}
	return nil
}

// ActiveTabID returns the active tab's id.
func (s *Session) ActiveTabID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeTabID
}

// FindTab returns the tab with the given id, or nil.
func (s *Session) FindTab(tabID string) *Tab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tabs {
		if t.ID == tabID {
			return t
		}
	}
	return nil
}

// SwitchTo makes tabID the active tab and broadcasts the new active url
// and tab list. Returns false if the id is unknown.
func (s *Session) SwitchTo(tabID string) bool {
	s.mu.Lock()
	var target *Tab
	for _, t := range s.tabs {
		if t.ID == tabID {
			target = t
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return false
	}
	s.activeTabID = tabID
	url := target.url
	s.mu.Unlock()

	s.Notify(models.EventURL, map[string]interface{}{"url": url, "tabId": tabID})
	s.Notify(models.EventTabs, map[string]interface{}{"tabs": s.TabInfos(), "activeTabId": tabID})
	return true
}

// CloseTab removes the tab and closes its page. Closing the last tab
// synthesizes a fresh blank one so the tab list is never empty; closing
// the active tab among others activates the previous tab (or the first
// remaining one).
func (s *Session) CloseTab(ctx context.Context, tabID string) error {
	s.mu.Lock()
	idx := -1
	for i, t := range s.tabs {
		if t.ID == tabID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return fmt.Errorf("unknown tab %s", tabID)
	}

	closing := s.tabs[idx]
	s.tabs = append(s.tabs[:idx], s.tabs[idx+1:]...)
	wasActive := s.activeTabID == tabID
	wasLast := len(s.tabs) == 0

	if wasActive && !wasLast {
		prev := idx - 1
		if prev < 0 {
			prev = 0
		}
		s.activeTabID = s.tabs[prev].ID
	}
	if wasLast {
		s.activeTabID = ""
	}
	s.mu.Unlock()

	if err := closing.Page.Close(); err != nil {
		log.Printf("⚠️  [SESSION] Failed to close tab page %s: %v", tabID, err)
	}

	if wasLast {
		if _, err := s.NewTab(ctx); err != nil {
			return fmt.Errorf("failed to create replacement tab: %w", err)
		}
	}

	s.Notify(models.EventTabs, map[string]interface{}{
		"tabs":        s.TabInfos(),
		"activeTabId": s.ActiveTabID(),
	})
	return nil
}

// TabInfos returns the client-visible tab list.
func (s *Session) TabInfos() []models.TabInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tabInfosLocked()
}

func (s *Session) tabInfosLocked() []models.TabInfo {
	infos := make([]models.TabInfo, 0, len(s.tabs))
	for _, t := range s.tabs {
		infos = append(infos, models.TabInfo{
			ID:     t.ID,
			URL:    t.url,
			Title:  t.title,
			Active: t.ID == s.activeTabID,
		})
	}
	return infos
}

// RefreshTabMeta re-reads the tab's title and url from the page. Called
// after navigations triggered by the dispatcher.
func (s *Session) RefreshTabMeta(ctx context.Context, tab *Tab) {
	url, err := tab.Page.URL(ctx)
	if err != nil {
		return
	}
	title, _ := tab.Page.Title(ctx)

	s.mu.Lock()
	tab.url = url
	tab.title = title
	s.mu.Unlock()
}

// TabURL returns the tab's cached url.
func (s *Session) TabURL(tab *Tab) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tab.url
}

// installHooks wires the page's observer callbacks into the session's
// buffers and broadcaster. Installed on every tab creation: the initial
// tab, tab.new, and the post-closure replacement.
func (s *Session) installHooks(tab *Tab) {
	tabID := tab.ID
	tab.Page.SetHooks(browser.PageHooks{
		OnConsole: func(level, text string) {
			entry := models.LogEntry{
				Level: level,
				Text:  text,
				TabID: tabID,
				Ts:    time.Now().UnixMilli(),
			}
			s.AppendLog(entry)
			s.Notify(models.EventConsole, map[string]interface{}{
				"level": entry.Level, "text": entry.Text, "tabId": entry.TabID, "ts": entry.Ts,
			})
		},
		OnNetwork: func(entry models.NetworkEntry) {
			entry.TabID = tabID
			s.AppendNetwork(entry)
			s.Notify(models.EventNetwork, map[string]interface{}{
				"method": entry.Method, "url": entry.URL, "status": entry.Status,
				"resource": entry.Resource, "tabId": entry.TabID, "ts": entry.Ts,
			})
		},
		OnDownload: func(filename, path string, size int64) {
			href, adoptedSize, err := s.store.AdoptDownload(path, filename)
			if err != nil {
				log.Printf("⚠️  [SESSION] Failed to adopt download %s: %v", filename, err)
				return
			}
			if adoptedSize > 0 {
				size = adoptedSize
			}
			dl := models.Download{
				ID:       uuid.New().String(),
				Filename: filename,
				Href:     href,
				Size:     size,
				TabID:    tabID,
				Ts:       time.Now().UnixMilli(),
			}
			s.AppendDownload(dl)
			s.Notify(models.EventDownload, map[string]interface{}{
				"id": dl.ID, "filename": dl.Filename, "href": dl.Href,
				"size": dl.Size, "tabId": dl.TabID, "ts": dl.Ts,
			})
		},
		OnNavigate: func(url string) {
			s.mu.Lock()
			tab.url = url
			active := s.activeTabID == tabID
			s.mu.Unlock()

			if active {
				s.Notify(models.EventURL, map[string]interface{}{"url": url, "tabId": tabID})
			}
			s.Notify(models.EventTabs, map[string]interface{}{
				"tabs":        s.TabInfos(),
				"activeTabId": s.ActiveTabID(),
			})
		},
	})
}
