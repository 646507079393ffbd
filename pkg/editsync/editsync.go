// Package editsync keeps local copies of remote files in sync while they are
// open in an external editor.
//
// Opening a remote path downloads it to a temp file, launches the editor on
// it and starts a watch goroutine. Local changes are uploaded after a quiet
// period; the session closes itself when the file goes untouched for the
// idle timeout or disappears. Closing uploads the file one last time and
// removes the temp copy.
package editsync

import (
	"context"
	"errors"
	"os"
	"time"
)

var (
	// ErrAlreadyEditing is returned by Open for a remote path that already
	// has a live session.
	ErrAlreadyEditing = errors.New("already editing")

	// ErrNotEditing is returned by Close for a remote path without a
	// session, and by Open when the session was closed before it opened.
	ErrNotEditing = errors.New("not editing")
)

// Transferer moves single files between the local and remote host.
// *ssh.Session satisfies it.
type Transferer interface {
	DownloadFile(ctx context.Context, remotePath, localPath string) error
	UploadFile(ctx context.Context, localPath, remotePath string) error
}

// Launcher opens a local file in an editor. Launch must not wait for the
// editor to exit.
type Launcher interface {
	Launch(ctx context.Context, localPath string) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, localPath string) error

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, localPath string) error {
	return f(ctx, localPath)
}

// Config holds edit session timings.
type Config struct {
	// TempDir receives the local copies. Defaults to os.TempDir().
	TempDir string

	// PollInterval is how often the local file is checked for changes
	PollInterval time.Duration `validate:"gt=0"`

	// UploadDebounce is the quiet period after the last change before an
	// upload starts
	UploadDebounce time.Duration `validate:"gte=0"`

	// IdleTimeout closes a session whose file has not changed for this long
	IdleTimeout time.Duration `validate:"gt=0"`
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		TempDir:        os.TempDir(),
		PollInterval:   time.Second,
		UploadDebounce: 2 * time.Second,
		IdleTimeout:    10 * time.Second,
	}
}

// State is the lifecycle state of an edit session.
type State int

const (
	StateDownloading State = iota
	StateWatching
	StateUploading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StateWatching:
		return "watching"
	case StateUploading:
		return "uploading"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is a snapshot of an edit session.
type Session struct {
	RemotePath   string    `json:"remotePath"`
	LocalPath    string    `json:"localPath"`
	State        State     `json:"state"`
	OpenedAt     time.Time `json:"openedAt"`
	LastModified time.Time `json:"lastModified"`
	Size         int64     `json:"size"`
	Uploads      int       `json:"uploads"`
	LastUpload   time.Time `json:"lastUpload,omitzero"`
}

// Close reasons reported in edit.closed events.
const (
	ReasonClosed   = "closed"
	ReasonIdle     = "idle"
	ReasonMissing  = "missing"
	ReasonShutdown = "shutdown"
)

// Upload triggers reported in metrics and events.
const (
	TriggerSave  = "save"
	TriggerClose = "close"
)
