package listing

import (
	"bufio"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// lsLine matches one line of `ls -la` output in the C locale:
//
//	type perms [attr] links owner group size Mon DD HH:MM|YYYY name [-> target]
var lsLine = regexp.MustCompile(
	`^([-dlcbps])([rwxsStT-]{9})[.+@]?\s+\d+\s+(\S+)\s+(\S+)\s+(\d+)\s+([A-Za-z]{3})\s+(\d{1,2})\s+(\d{1,2}:\d{2}|\d{4})\s+(.+?)(?:\s+->\s+(.+))?$`,
)

// ParseLine parses a single long listing line. It returns false for lines
// that carry no entry: blank lines, the "total" header, the "." and ".."
// entries, and anything the pattern does not recognize.
func ParseLine(line string, now time.Time) (Entry, bool) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "total") {
		return Entry{}, false
	}

	m := lsLine.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, false
	}

	typeChar, perms, owner, group := m[1], m[2], m[3], m[4]
	sizeStr, month, day, clock := m[5], m[6], m[7], m[8]
	name, target := m[9], strings.TrimSpace(m[10])

	if name == "." || name == ".." {
		return Entry{}, false
	}

	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return Entry{}, false
	}

	e := Entry{
		Name:        name,
		Kind:        KindFile,
		Size:        size,
		Modified:    parseTimestamp(month, day, clock, now),
		Permissions: perms,
		Owner:       owner,
		Group:       group,
		LongName:    line,
	}

	switch typeChar {
	case "d":
		e.Kind = KindDirectory
	case "l":
		e.Kind = KindSymlink
		if target != "" {
			e.SymlinkTarget = target
			if looksLikeDir(target) {
				e.Kind = KindSymlinkDir
			}
		}
	}

	return e, true
}

// Parse parses a complete `ls -la` output and returns the recognized entries
// in listing order.
func Parse(output string, now time.Time) []Entry {
	var entries []Entry

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if e, ok := ParseLine(scanner.Text(), now); ok {
			entries = append(entries, e)
		}
	}

	Sort(entries)
	return entries
}

// looksLikeDir guesses whether a symlink target names a directory. ls does
// not tell, so a target ending in "/" or whose last element has no dot is
// assumed to be one. The guess is wrong for extensionless files and dotted
// directory names.
func looksLikeDir(target string) bool {
	if strings.HasSuffix(target, "/") {
		return true
	}
	return !strings.Contains(path.Base(target), ".")
}

// parseTimestamp interprets the date columns of ls. A clock token means the
// current year, a year token means midnight of that day. Anything malformed
// yields now.
func parseTimestamp(month, day, clock string, now time.Time) time.Time {
	loc := now.Location()

	if strings.Contains(clock, ":") {
		value := month + " " + day + " " + clock + " " + strconv.Itoa(now.Year())
		if t, err := time.ParseInLocation("Jan 2 15:04 2006", value, loc); err == nil {
			return t
		}
		return now
	}

	if t, err := time.ParseInLocation("Jan 2 2006", month+" "+day+" "+clock, loc); err == nil {
		return t
	}
	return now
}
