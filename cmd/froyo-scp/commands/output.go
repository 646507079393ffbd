package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/froyo-scp/pkg/listing"
	"github.com/openfroyo/froyo-scp/pkg/transports/ssh"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeEntries renders entries like a long listing: kind marker and
// permissions, owner, size, modification time and name.
func writeEntries(w io.Writer, entries []listing.Entry, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		owner := e.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%d\t%s\t%s\n",
			kindMarker(e.Kind), permissions(e), owner, e.Size, formatModified(e.Modified, now), displayName(e))
	}
	return tw.Flush()
}

func kindMarker(k listing.Kind) string {
	switch k {
	case listing.KindDirectory:
		return "d"
	case listing.KindSymlink, listing.KindSymlinkDir:
		return "l"
	default:
		return "-"
	}
}

func permissions(e listing.Entry) string {
	if e.Permissions == "" {
		return "?????????"
	}
	return e.Permissions
}

// formatModified follows ls: recent times show the clock, older ones the
// year.
func formatModified(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	if now.Sub(t) < 180*24*time.Hour && t.Before(now.Add(time.Hour)) {
		return t.Format("Jan _2 15:04")
	}
	return t.Format("Jan _2  2006")
}

func displayName(e listing.Entry) string {
	name := e.Name
	if e.Kind.IsDir() {
		name += "/"
	}
	if e.SymlinkTarget != "" {
		name += " -> " + e.SymlinkTarget
	}
	return name
}

// writeConnectionInfo prints the connection details as aligned key/value
// lines.
func writeConnectionInfo(w io.Writer, info ssh.ConnectionInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "host:\t%s\n", net.JoinHostPort(info.Host, strconv.Itoa(info.Port)))
	fmt.Fprintf(tw, "user:\t%s\n", info.User)
	fmt.Fprintf(tw, "transport:\t%s\n", info.Transport)
	fmt.Fprintf(tw, "state:\t%s\n", info.State)
	if info.ServerVersion != "" {
		fmt.Fprintf(tw, "server:\t%s\n", info.ServerVersion)
	}
	if !info.ConnectedAt.IsZero() {
		fmt.Fprintf(tw, "connected:\t%s\n", info.ConnectedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
