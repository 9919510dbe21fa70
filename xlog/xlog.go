// Package xlog decodes the xlogfile format appended by the game engine:
// one line per finished game, key=value fields separated by tabs, with an
// older colon-separated variant still accepted. The engine is out of
// process and untrusted, so malformed lines are skipped, never fatal.
package xlog

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultWinKeyword marks a winning run when it appears in the death text.
const DefaultWinKeyword = "ascended"

// Low bits of the flags bitmask the arena cares about. Runs played under
// either mode are ineligible for scoring or payout.
const (
	flagWizard  = 0x1
	flagExplore = 0x2
)

// ModeFlags is the decoded flags bitmask.
type ModeFlags struct {
	Wizard  bool
	Explore bool
}

// Record is one parsed xlogfile line.
type Record struct {
	Version   string
	Points    int64
	DeathDNum int
	DeathLev  int
	MaxLvl    int
	HP        int
	MaxHP     int
	Deaths    int
	DeathDate string
	BirthDate string
	UID       int64
	HasUID    bool
	Role      string
	Race      string
	Gender    string
	Align     string
	Name      string
	Death     string
	Conduct   string
	Turns     int64
	Achieve   string
	RealTime  int64
	StartTime int64
	EndTime   int64
	Flags     ModeFlags
}

// Won reports whether the death text names the win keyword. The match is
// case-insensitive; keyword "" falls back to DefaultWinKeyword.
func (r *Record) Won(keyword string) bool {
	if keyword == "" {
		keyword = DefaultWinKeyword
	}
	return strings.Contains(strings.ToLower(r.Death), strings.ToLower(keyword))
}

// Ascended is Won with the default keyword.
func (r *Record) Ascended() bool { return r.Won(DefaultWinKeyword) }

// CheatFlagged reports whether the run was played under wizard or explore
// mode. Cheat-flagged records must never produce a scored win.
func (r *Record) CheatFlagged() bool { return r.Flags.Wizard || r.Flags.Explore }

// Mode names the cheat mode for display, or "" for a normal run.
func (r *Record) Mode() string {
	switch {
	case r.Flags.Wizard:
		return "wizard"
	case r.Flags.Explore:
		return "explore"
	}
	return ""
}

// parseFlags decodes the flags field, which some variants write as hex
// ("0x5") and others as plain decimal.
func parseFlags(raw string) ModeFlags {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ModeFlags{}
	}
	var v uint64
	var err error
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		v, err = strconv.ParseUint(raw[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(raw, 10, 64)
	}
	if err != nil {
		return ModeFlags{}
	}
	return ModeFlags{
		Wizard:  v&flagWizard != 0,
		Explore: v&flagExplore != 0,
	}
}

// ParseLine parses a single xlogfile line. It returns (nil, false) for
// empty, comment-free garbage, or lines whose numeric fields do not
// parse; it never panics on any input.
func ParseLine(line string) (*Record, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	// Tab-separated is the modern form; fall back to colon-separated.
	// Values may themselves contain the delimiter, so every field is cut
	// at its first '=' and fields without one are dropped.
	var fields []string
	if strings.Contains(line, "\t") {
		fields = strings.Split(line, "\t")
	} else {
		fields = strings.Split(line, ":")
	}

	data := make(map[string]string, len(fields))
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key != "" {
			data[key] = strings.TrimSpace(value)
		}
	}
	if len(data) == 0 {
		return nil, false
	}

	rec := &Record{
		Version:   data["version"],
		DeathDate: data["deathdate"],
		BirthDate: data["birthdate"],
		Role:      data["role"],
		Race:      data["race"],
		Gender:    data["gender"],
		Align:     data["align"],
		Name:      data["name"],
		Death:     data["death"],
		Conduct:   data["conduct"],
		Achieve:   data["achieve"],
		Flags:     parseFlags(data["flags"]),
	}

	ok := true
	geti64 := func(key string) int64 {
		raw, present := data[key]
		if !present {
			return 0
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ok = false
		}
		return v
	}
	geti := func(key string) int { return int(geti64(key)) }

	rec.Points = geti64("points")
	rec.Turns = geti64("turns")
	rec.RealTime = geti64("realtime")
	rec.StartTime = geti64("starttime")
	rec.EndTime = geti64("endtime")
	rec.DeathDNum = geti("deathdnum")
	rec.DeathLev = geti("deathlev")
	rec.MaxLvl = geti("maxlvl")
	rec.HP = geti("hp")
	rec.MaxHP = geti("maxhp")
	rec.Deaths = geti("deaths")
	if raw, present := data["uid"]; present {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ok = false
		} else {
			rec.UID = v
			rec.HasUID = true
		}
	}
	if !ok {
		return nil, false
	}
	return rec, true
}

// ReadNewRecords opens path, seeks to since, and parses everything up to
// the last complete line, returning the records plus the byte offset the
// caller should persist for the next read. A missing file yields no
// records and offset 0. An offset past end of file means the log was
// truncated upstream; it is treated as a reset and the file is re-read
// from the start.
func ReadNewRecords(path string, since int64) ([]Record, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, since, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, since, err
	}
	if since > fi.Size() {
		since = 0
	}
	if _, err := f.Seek(since, io.SeekStart); err != nil {
		return nil, since, err
	}

	var recs []Record
	offset := since
	rd := bufio.NewReader(f)
	for {
		line, err := rd.ReadString('\n')
		if err == io.EOF {
			// A partial trailing line is a write in progress; leave it
			// for the next read so the offset stays on a line boundary.
			break
		}
		if err != nil {
			return recs, offset, err
		}
		offset += int64(len(line))
		if rec, ok := ParseLine(line); ok {
			recs = append(recs, *rec)
		}
	}
	return recs, offset, nil
}

// Watcher holds a monotonically advancing byte offset into one xlogfile.
// The offset lives in memory for the life of the watcher and only moves
// backward through an explicit Reset.
type Watcher struct {
	path   string
	offset int64
}

// NewWatcher starts a watcher positioned at the current end of file, so
// only records appended after attachment are ever reported.
func NewWatcher(path string) *Watcher {
	w := &Watcher{path: path}
	if fi, err := os.Stat(path); err == nil {
		w.offset = fi.Size()
	}
	return w
}

// Next returns records appended since the previous call and advances the
// offset past them.
func (w *Watcher) Next() ([]Record, error) {
	recs, off, err := ReadNewRecords(w.path, w.offset)
	if err != nil {
		return nil, err
	}
	w.offset = off
	return recs, nil
}

// Offset reports the current byte cursor.
func (w *Watcher) Offset() int64 { return w.offset }

// Path reports the file being tailed.
func (w *Watcher) Path() string { return w.path }

// Reset moves the cursor to the current end of file, dropping anything
// unread.
func (w *Watcher) Reset() {
	w.offset = 0
	if fi, err := os.Stat(w.path); err == nil {
		w.offset = fi.Size()
	}
}
