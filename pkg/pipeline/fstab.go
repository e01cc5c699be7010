package pipeline

import (
	"os"
	"regexp"
	"strconv"
	"strings"
)

var fstabLine = regexp.MustCompile(`^([^#\s]\S*)\s+(\S+)\s+(\S+)\s+(\S+)\s+([01])\s+([01])(?:\s+#(.*))?$`)

type fstabEntry struct {
	device, mnt, fstype, options string
	dump, pass                   int
	comment                      string
}

// Fstab is an fstab(5) file kept as entries and free-form lines, rendered
// with aligned columns.
type Fstab struct {
	// each item is a fstabEntry or a raw string line
	lines []any
}

// AddLine appends a mount with dump and pass 0.
func (f *Fstab) AddLine(device, mnt, fstype, options string) {
	f.lines = append(f.lines, fstabEntry{device: device, mnt: mnt, fstype: fstype, options: options})
}

// AddEmptyLine appends a blank line.
func (f *Fstab) AddEmptyLine() {
	f.lines = append(f.lines, "")
}

// AddComment appends a comment, one "# " prefix per line.
func (f *Fstab) AddComment(comment string) {
	f.lines = append(f.lines, "# "+strings.ReplaceAll(comment, "\n", "\n# "))
}

// Append adds every line of other.
func (f *Fstab) Append(other *Fstab) {
	f.lines = append(f.lines, other.lines...)
}

// ParseFstab reads fstab content. Lines that are not mounts are kept as is,
// except the first one when it is a column header.
func ParseFstab(s string) *Fstab {
	f := &Fstab{}
	for i, raw := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		line := strings.TrimSpace(raw)
		if m := fstabLine.FindStringSubmatch(line); m != nil {
			dump, _ := strconv.Atoi(m[5])
			pass, _ := strconv.Atoi(m[6])
			f.lines = append(f.lines, fstabEntry{
				device: m[1], mnt: m[2], fstype: m[3], options: m[4],
				dump: dump, pass: pass,
				comment: m[7],
			})
			continue
		}
		if i == 0 && strings.HasPrefix(line, "# Device") {
			continue
		}
		f.lines = append(f.lines, line)
	}
	return f
}

// ReadFstab parses the file at path.
func ReadFstab(path string) (*Fstab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFstab(string(data)), nil
}

// String renders the table with a header and four spaces between columns.
func (f *Fstab) String() string {
	header := fstabEntry{device: "# Device", mnt: "Mountpoint", fstype: "FStype", options: "Options"}
	widths := [5]int{len(header.device), len(header.mnt), len(header.fstype), len(header.options), len("Dump")}
	for _, l := range f.lines {
		if e, ok := l.(fstabEntry); ok {
			for i, v := range []string{e.device, e.mnt, e.fstype, e.options} {
				widths[i] = max(widths[i], len(v))
			}
		}
	}

	const gap = "    "
	pad := func(s string, n int) string { return s + strings.Repeat(" ", n-len(s)) }

	var b strings.Builder
	b.WriteString(strings.Join([]string{
		pad(header.device, widths[0]), pad(header.mnt, widths[1]), pad(header.fstype, widths[2]),
		pad(header.options, widths[3]), pad("Dump", widths[4]), "Pass #",
	}, gap))
	b.WriteByte('\n')

	for _, l := range f.lines {
		e, ok := l.(fstabEntry)
		if !ok {
			b.WriteString(l.(string))
			b.WriteByte('\n')
			continue
		}
		line := strings.Join([]string{
			pad(e.device, widths[0]), pad(e.mnt, widths[1]), pad(e.fstype, widths[2]),
			pad(e.options, widths[3]), pad(strconv.Itoa(e.dump), widths[4]), strconv.Itoa(e.pass),
		}, gap)
		if e.comment != "" {
			line += gap + "#" + e.comment
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
