// Package ssh provides remote file management over SSH.
//
// A Session owns one SSH connection and one SFTP sub-session. File
// operations run through one of two backends chosen when the session is
// created: the structured backend speaks SFTP directly, the privileged
// backend runs shell commands through sudo so files the login user cannot
// touch are reachable.
package ssh

import (
	"context"
	"time"

	"github.com/openfroyo/froyo-scp/pkg/listing"
)

// RemoteFS is the operation surface of a Session.
type RemoteFS interface {
	// ListDirectory returns the sorted entries of a remote directory.
	// An empty path lists the remote working directory.
	ListDirectory(ctx context.Context, path string) ([]listing.Entry, error)

	// DownloadFile copies a remote file to a local path.
	DownloadFile(ctx context.Context, remotePath string, localPath string) error

	// UploadFile copies a local file to a remote path.
	UploadFile(ctx context.Context, localPath string, remotePath string) error

	// UploadDirectory recursively copies a local directory to the remote host.
	// An archive upload that fails reports nothing placed, though the remote
	// tar may already have extracted part of the tree. A per-entry upload
	// that fails leaves the entries counted in the report in place.
	UploadDirectory(ctx context.Context, localPath string, remotePath string) (UploadReport, error)

	// DownloadDirectory recursively copies a remote directory to the local host.
	DownloadDirectory(ctx context.Context, remotePath string, localPath string) error

	// RenameRemote renames or moves a remote entry.
	RenameRemote(ctx context.Context, oldPath string, newPath string) error

	// DeleteRemoteFile removes a single remote file or link.
	DeleteRemoteFile(ctx context.Context, path string) error

	// DeleteRemoteDirectory removes a remote directory and everything in it.
	DeleteRemoteDirectory(ctx context.Context, path string) error

	// MakeDirectory creates a remote directory and any missing parents.
	MakeDirectory(ctx context.Context, path string) error

	// WorkingDirectory returns the absolute remote working directory.
	WorkingDirectory(ctx context.Context) (string, error)
}

var _ RemoteFS = (*Session)(nil)

// State is the lifecycle state of a Session.
type State int

const (
	// StateDisconnected is the initial state and the state after Disconnect
	StateDisconnected State = iota

	// StateConnecting is held while Connect dials and authenticates
	StateConnecting

	// StateReady means both the transport and the SFTP sub-session are open
	StateReady

	// StateFailed means Connect failed; the session cannot be reused
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionInfo contains details about a session's connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string `json:"host"`

	// Port is the SSH port number
	Port int `json:"port"`

	// User is the SSH username
	User string `json:"user"`

	// Transport is "sftp" or "sudo"
	Transport string `json:"transport"`

	// State is the session state when the info was taken
	State State `json:"state"`

	// ServerVersion is the remote SSH identification string
	ServerVersion string `json:"serverVersion,omitempty"`

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time `json:"connectedAt,omitzero"`

	// LastActivity is when the connection was last used
	LastActivity time.Time `json:"lastActivity,omitzero"`
}

// UploadStrategy says how a directory upload was carried out.
type UploadStrategy string

const (
	// StrategyPerEntry creates each directory and file with its own request
	StrategyPerEntry UploadStrategy = "per-entry"

	// StrategyArchive streams one gzip tar archive into a remote tar
	StrategyArchive UploadStrategy = "archive"
)

// UploadReport summarizes a directory upload. Directories includes the
// destination root under both strategies.
//
// A failed per-entry upload counts what was placed before the error. A
// failed archive upload counts nothing, since the remote tar gives no
// progress; part of the tree may still have been extracted. Nothing is
// rolled back in either case.
type UploadReport struct {
	Strategy    UploadStrategy
	Directories int
	Files       int
	Bytes       int64
}
