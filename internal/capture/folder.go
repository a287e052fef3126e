package capture

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
)

// FolderSource replays every JSONL capture in a directory and then watches
// it, feeding packets from files as they are dropped in. Useful for feeding
// the pipeline from an external capture process without restarts.
type FolderSource struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *log.Logger

	packets chan *event.Packet
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	processed map[string]bool
	closed    bool
}

// NewFolderSource scans dir for existing *.jsonl files and starts watching
// for new ones.
func NewFolderSource(dir string, logger *log.Logger) (*FolderSource, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Capture] ", log.LstdFlags)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	fs := &FolderSource{
		dir:       dir,
		watcher:   watcher,
		logger:    logger,
		packets:   make(chan *event.Packet, 1024),
		cancel:    cancel,
		processed: make(map[string]bool),
	}

	fs.wg.Add(1)
	go fs.run(ctx)
	return fs, nil
}

func (fs *FolderSource) run(ctx context.Context) {
	defer fs.wg.Done()
	defer close(fs.packets)

	// Initial pass over existing captures.
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		fs.logger.Printf("WARN failed to scan capture folder %s: %v", fs.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !fs.matches(entry.Name()) {
			continue
		}
		fs.replayFile(ctx, filepath.Join(fs.dir, entry.Name()))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			// A file is replayed once, on the first Create or Write event
			// that names it; lines written to it after that are not read.
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !fs.matches(ev.Name) {
				continue
			}
			fs.replayFile(ctx, ev.Name)
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Printf("WARN capture folder watcher: %v", err)
		}
	}
}

func (fs *FolderSource) matches(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".jsonl")
}

func (fs *FolderSource) replayFile(ctx context.Context, path string) {
	fs.mu.Lock()
	if fs.processed[path] {
		fs.mu.Unlock()
		return
	}
	fs.processed[path] = true
	fs.mu.Unlock()

	src, err := NewReplaySource(path, false)
	if err != nil {
		fs.logger.Printf("WARN failed to open %s: %v", path, err)
		return
	}
	defer src.Close()

	n := 0
	for {
		pkt, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
		select {
		case fs.packets <- pkt:
			n++
		case <-ctx.Done():
			return
		}
	}
	fs.logger.Printf("Replayed %d packets from %s (skipped %d malformed lines)", n, filepath.Base(path), src.Skipped())
}

// Next returns the next packet from the folder stream.
func (fs *FolderSource) Next(ctx context.Context) (*event.Packet, error) {
	select {
	case pkt, ok := <-fs.packets:
		if !ok {
			return nil, io.EOF
		}
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the watcher and the replay goroutine.
func (fs *FolderSource) Close() error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	fs.mu.Unlock()

	fs.cancel()
	err := fs.watcher.Close()
	fs.wg.Wait()
	return err
}
