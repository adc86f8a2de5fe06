package files

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tincan-im/tincan/internal/store"
)

// settleDelay is how long a dropped file must stay quiet before it is
// picked up; copies into the outbox arrive as many Write events.
const settleDelay = 500 * time.Millisecond

// Outbox watches {profileDir}/outbox/<conversation-id>/ and sends every
// file dropped there as an attachment to that conversation, removing the
// file on success. A headless way to share files from scripts and file
// managers.
type Outbox struct {
	root     string
	uploader *Uploader
	onSent   func(store.Message)

	watcher *fsnotify.Watcher
	closed  chan struct{}

	mu       sync.Mutex
	pending  map[string]*time.Timer
	shutdown bool
}

// NewOutbox creates the outbox rooted at dir and starts watching. onSent
// is called for each delivered message (nil is allowed).
func NewOutbox(dir string, uploader *Uploader, onSent func(store.Message)) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch outbox: %w", err)
	}

	o := &Outbox{
		root:     dir,
		uploader: uploader,
		onSent:   onSent,
		watcher:  watcher,
		closed:   make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}

	// Conversation subdirectories that already exist are watched too, and
	// files left over from a previous run are sent.
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				o.addConversationDir(filepath.Join(dir, e.Name()))
			}
		}
	}

	go o.watchLoop()
	return o, nil
}

// Close stops the watcher; pending settle timers are dropped.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	o.shutdown = true
	for path, t := range o.pending {
		t.Stop()
		delete(o.pending, path)
	}
	o.mu.Unlock()

	close(o.closed)
	o.watcher.Close()
}

func (o *Outbox) addConversationDir(dir string) {
	if err := o.watcher.Add(dir); err != nil {
		log.Printf("OUTBOX: watch %s: %v", dir, err)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			o.schedule(filepath.Join(dir, e.Name()))
		}
	}
}

func (o *Outbox) watchLoop() {
	for {
		select {
		case <-o.closed:
			return
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				// New conversation directory under the root.
				if filepath.Dir(event.Name) == o.root {
					o.addConversationDir(event.Name)
				}
				continue
			}
			o.schedule(event.Name)
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("OUTBOX: watcher error: %v", err)
		}
	}
}

// schedule (re)arms the settle timer for a file; it fires once writes stop.
func (o *Outbox) schedule(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".part") {
		return
	}
	// Only files one level down (outbox/<conversation-id>/<file>) are sent.
	if filepath.Dir(filepath.Dir(path)) != o.root {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shutdown {
		return
	}
	if t, ok := o.pending[path]; ok {
		t.Reset(settleDelay)
		return
	}
	o.pending[path] = time.AfterFunc(settleDelay, func() {
		o.mu.Lock()
		delete(o.pending, path)
		done := o.shutdown
		o.mu.Unlock()
		if !done {
			o.deliver(path)
		}
	})
}

func (o *Outbox) deliver(path string) {
	conversationID := filepath.Base(filepath.Dir(path))
	name := filepath.Base(path)

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("OUTBOX: read %s: %v", path, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	msg, err := o.uploader.SendAttachment(ctx, conversationID, name, data)
	if err != nil {
		log.Printf("OUTBOX: send %s to %s: %v", name, conversationID, err)
		// Park the file so it is not retried in a loop.
		_ = os.Rename(path, path+".failed")
		return
	}

	if err := os.Remove(path); err != nil {
		log.Printf("OUTBOX: cleanup %s: %v", path, err)
	}
	log.Printf("OUTBOX: sent %s (%s) to %s", name, FormatFileSize(int64(len(data))), conversationID)

	if o.onSent != nil {
		o.onSent(msg)
	}
}
