// app.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	tincanapp "github.com/tincan-im/tincan/internal/app"
	"github.com/tincan-im/tincan/internal/config"
	"github.com/tincan-im/tincan/internal/util"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.RWMutex

	profileDir  string
	cfgPath     string
	profileName string
	started     bool
	viewerURL   string

	uiMu sync.Mutex
}

// ProfileInfo is returned by ListProfiles to the Wails frontend.
type ProfileInfo struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

type uiState struct {
	Theme string `json:"theme"`
}

const uiPath = "data/ui.json"

func NewApp() *App { return &App{} }

func (a *App) startup(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)

	// Ensure ui.json exists with a default theme
	if _, err := a.GetTheme(); err != nil {
		log.Printf("ui theme init: %v", err)
	}
}

func (a *App) shutdown(ctx context.Context) {
	// Cancel the client context to trigger cleanup and the offline update
	if a.cancel != nil {
		log.Println("SHUTDOWN: Cancelling client context...")
		a.cancel()

		// Give the client time to flip presence offline
		time.Sleep(500 * time.Millisecond)
		log.Println("SHUTDOWN: Complete")
	}
}

// -------------------------
// Theme API for Wails frontend
// -------------------------

func (a *App) GetTheme() (string, error) {
	a.uiMu.Lock()
	defer a.uiMu.Unlock()

	s, err := readUIState(uiPath)
	if err != nil {
		// If unreadable, fall back safely
		return "dark", nil
	}
	return normalizeTheme(s.Theme), nil
}

func (a *App) SetTheme(theme string) error {
	a.uiMu.Lock()
	defer a.uiMu.Unlock()

	return writeUIState(uiPath, uiState{Theme: normalizeTheme(theme)})
}

// OpenInBrowser opens a URL in the default browser.
func (a *App) OpenInBrowser(url string) {
	runtime.BrowserOpenURL(a.ctx, url)
}

// -------------------------
// Frontend API (profiles)
// -------------------------

func (a *App) ListProfiles() ([]ProfileInfo, error) {
	return listProfileInfos("./profiles")
}

func (a *App) CreateProfile(name string) (string, error) {
	name, err := util.ValidateProfileName(name)
	if err != nil {
		return "", err
	}

	profileDir := filepath.Join("./profiles", name)
	cfgPath := filepath.Join(profileDir, "tincan.json")

	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return "", err
	}

	if _, _, err := config.Ensure(cfgPath); err != nil {
		return "", err
	}
	return name, nil
}

func (a *App) DeleteProfile(name string) error {
	name, err := util.ValidateProfileName(name)
	if err != nil {
		return err
	}

	a.mu.RLock()
	running := a.started && a.profileName == name
	a.mu.RUnlock()
	if running {
		return errors.New("cannot delete a running profile")
	}

	return os.RemoveAll(filepath.Join("./profiles", name))
}

func (a *App) StartProfile(profileName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("profile already started")
	}

	profileDir := filepath.Join("./profiles", profileName)
	cfgPath := filepath.Join(profileDir, "tincan.json")

	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		return err
	}

	// pick free localhost port
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	cfg.Viewer.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", port)

	a.profileDir = profileDir
	a.cfgPath = cfgPath
	a.profileName = profileName
	a.started = true
	a.viewerURL = "http://" + cfg.Viewer.HTTPAddr

	progress := func(step, total int, label string) {
		runtime.EventsEmit(a.ctx, "startup:progress", map[string]interface{}{
			"step":  step,
			"total": total,
			"label": label,
		})
	}

	go func() {
		if err := tincanapp.Run(a.ctx, tincanapp.Options{
			ProfileDir: profileDir,
			CfgPath:    cfgPath,
			Cfg:        cfg,
			Progress:   progress,
		}); err != nil {
			log.Fatal(err)
		}
	}()

	// wait until viewer is listening (30s — progress bar keeps user informed)
	if err := tincanapp.WaitTCP(cfg.Viewer.HTTPAddr, 30*time.Second); err != nil {
		runtime.EventsEmit(a.ctx, "startup:error", "Viewer did not start in time")
		return fmt.Errorf("viewer did not start")
	}

	return nil
}

func (a *App) GetViewerURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.viewerURL
}

func (a *App) GetStatus() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return map[string]string{
		"started":     fmt.Sprintf("%v", a.started),
		"profileName": a.profileName,
		"viewerURL":   a.viewerURL,
	}
}

// -------------------------
// Helpers
// -------------------------

func normalizeTheme(t string) string {
	if t == "light" || t == "dark" {
		return t
	}
	return "dark"
}

func readUIState(path string) (uiState, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// default
			return uiState{Theme: "dark"}, writeUIState(path, uiState{Theme: "dark"})
		}
		return uiState{}, err
	}

	var s uiState
	if err := json.Unmarshal(b, &s); err != nil {
		// If corrupted, recover safely
		return uiState{Theme: "dark"}, writeUIState(path, uiState{Theme: "dark"})
	}
	s.Theme = normalizeTheme(s.Theme)
	return s, nil
}

func writeUIState(path string, s uiState) error {
	s.Theme = normalizeTheme(s.Theme)
	return util.WriteJSONFile(path, s)
}

func listProfileInfos(root string) ([]ProfileInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []ProfileInfo{}, nil
		}
		return nil, err
	}

	var profiles []ProfileInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cfgPath := filepath.Join(root, e.Name(), "tincan.json")
		if _, err := os.Stat(cfgPath); err != nil {
			continue
		}

		info := ProfileInfo{Name: e.Name()}

		// LoadPartial skips validation so the entry shows even when the
		// config is incomplete (e.g. missing backend credentials).
		if cfg, err := config.LoadPartial(cfgPath); err == nil {
			info.Username = cfg.Profile.Username
		}

		profiles = append(profiles, info)
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, nil
}
