package manifest

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	pgbakerrors "pgbak/internal/errors"
	"pgbak/internal/pgpage"
)

// backrestFormat is this manifest format's version number, written into
// the header's backrest-format key.
const backrestFormat = 1

// section names, matching the grouping spec.md §4.2/§6 describes.
const (
	sectionHeader      = "backrest"
	sectionBackup      = "backup"
	sectionOption      = "backup:option"
	sectionTarget      = "backup:target"
	sectionPath        = "backup:path"
	sectionPathDefault = "backup:path:default"
	sectionFile        = "backup:file"
	sectionFileDefault = "backup:file:default"
	sectionLink        = "backup:link"
	sectionDB          = "backup:db"
)

// Save writes the manifest in the sectioned INI-with-JSON-values format.
// The header's backrest-checksum is the SHA-1 of every section that follows
// the header; the header's own lines (including backrest-format) are not
// covered by it.
func (m *Manifest) Save(w io.Writer) error {
	body := m.render()

	sum := sha1.Sum([]byte(body))
	checksum := hex.EncodeToString(sum[:])

	header := fmt.Sprintf("[%s]\nbackrest-checksum=\"%s\"\nbackrest-format=%d\n\n", sectionHeader, checksum, backrestFormat)

	_, err := io.WriteString(w, header+body)
	return err
}

// render produces every section after the header; its output is exactly
// what Save hashes for the header checksum.
func (m *Manifest) render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s]\n", sectionBackup)
	fmt.Fprintf(&b, "backup-label=%s\n", jsonString(m.Backup.Label))
	fmt.Fprintf(&b, "backup-prior=%s\n", jsonStringOrNull(m.Backup.PriorLabel))
	fmt.Fprintf(&b, "backup-type=%s\n", jsonString(string(m.Backup.Type)))
	fmt.Fprintf(&b, "backup-timestamp-start=%d\n", m.Backup.TimestampStart)
	fmt.Fprintf(&b, "backup-timestamp-copy-start=%d\n", m.Backup.CopyStart)
	fmt.Fprintf(&b, "backup-timestamp-stop=%d\n", m.Backup.TimestampStop)
	b.WriteString("\n")

	fmt.Fprintf(&b, "[%s]\n", sectionOption)
	fmt.Fprintf(&b, "option-compress-type=%s\n", jsonString(m.Option.CompressType))
	fmt.Fprintf(&b, "option-compress-level=%d\n", m.Option.CompressLevel)
	fmt.Fprintf(&b, "option-cipher-type=%s\n", jsonString(m.Option.CipherType))
	fmt.Fprintf(&b, "option-hardlink=%t\n", m.Option.Hardlink)
	fmt.Fprintf(&b, "option-checksum-page=%t\n", m.Option.ChecksumPage)
	fmt.Fprintf(&b, "option-online=%t\n", m.Option.Online)
	fmt.Fprintf(&b, "option-backup-standby=%t\n", m.Option.BackupStandby)
	fmt.Fprintf(&b, "option-buffer-size=%d\n", m.Option.BufferSize)
	fmt.Fprintf(&b, "option-process-max=%d\n", m.Option.ProcessMax)
	fmt.Fprintf(&b, "option-delta=%t\n", m.Option.Delta)
	b.WriteString("\n")

	fmt.Fprintf(&b, "[%s]\n", sectionDB)
	fmt.Fprintf(&b, "db-version=%s\n", jsonString(m.Database.Version))
	fmt.Fprintf(&b, "db-system-id=%d\n", m.Database.SystemID)
	fmt.Fprintf(&b, "db-catalog-version=%d\n", m.Database.CatalogVersion)
	b.WriteString("\n")

	fmt.Fprintf(&b, "[%s]\n", sectionTarget)
	for _, t := range m.TargetList() {
		obj := map[string]any{"type": string(t.Type)}
		if t.Path != "" {
			obj["path"] = t.Path
		}
		if t.TablespaceID != "" {
			obj["tablespace-id"] = t.TablespaceID
			obj["tablespace-name"] = t.TablespaceName
		}
		mergeExtra(obj, t.Extra)
		fmt.Fprintf(&b, "%s=%s\n", t.Name, mustJSON(obj))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "[%s]\n", sectionPathDefault)
	fmt.Fprintf(&b, "mode=%s\n", jsonString(modeString(m.pathDefault.Mode)))
	fmt.Fprintf(&b, "user=%s\n", jsonString(m.pathDefault.User))
	fmt.Fprintf(&b, "group=%s\n", jsonString(m.pathDefault.Group))
	b.WriteString("\n")

	fmt.Fprintf(&b, "[%s]\n", sectionPath)
	for _, p := range m.PathList() {
		obj := map[string]any{}
		if p.Mode != m.pathDefault.Mode {
			obj["mode"] = modeString(p.Mode)
		}
		if p.User != m.pathDefault.User {
			obj["user"] = p.User
		}
		if p.Group != m.pathDefault.Group {
			obj["group"] = p.Group
		}
		mergeExtra(obj, p.Extra)
		fmt.Fprintf(&b, "%s=%s\n", p.Name, mustJSON(obj))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "[%s]\n", sectionFileDefault)
	fmt.Fprintf(&b, "mode=%s\n", jsonString(modeString(m.fileDefault.Mode)))
	fmt.Fprintf(&b, "user=%s\n", jsonString(m.fileDefault.User))
	fmt.Fprintf(&b, "group=%s\n", jsonString(m.fileDefault.Group))
	b.WriteString("\n")

	fmt.Fprintf(&b, "[%s]\n", sectionFile)
	for _, f := range m.FileList() {
		obj := map[string]any{
			"size":      f.Size,
			"timestamp": f.Timestamp,
			"checksum":  f.Checksum,
		}
		if f.RepoSize != f.Size {
			obj["repo-size"] = f.RepoSize
		}
		if f.Reference != "" {
			obj["reference"] = f.Reference
		}
		if f.Mode != m.fileDefault.Mode {
			obj["mode"] = modeString(f.Mode)
		}
		if f.User != m.fileDefault.User {
			obj["user"] = f.User
		}
		if f.Group != m.fileDefault.Group {
			obj["group"] = f.Group
		}
		if f.MasterRead {
			obj["master"] = true
		}
		if f.PageChecksum != nil {
			obj["page-checksum"] = pageChecksumToJSON(f.PageChecksum)
		}
		mergeExtra(obj, f.Extra)
		fmt.Fprintf(&b, "%s=%s\n", f.Name, mustJSON(obj))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "[%s]\n", sectionLink)
	for _, l := range m.LinkList() {
		obj := map[string]any{"destination": l.Destination}
		if l.User != "" {
			obj["user"] = l.User
		}
		if l.Group != "" {
			obj["group"] = l.Group
		}
		mergeExtra(obj, l.Extra)
		fmt.Fprintf(&b, "%s=%s\n", l.Name, mustJSON(obj))
	}
	b.WriteString("\n")

	for _, name := range sortedKeys(m.extraSections) {
		fmt.Fprintf(&b, "[%s]\n", name)
		kv := m.extraSections[name]
		for _, k := range sortedKeys(kv) {
			fmt.Fprintf(&b, "%s=%s\n", k, kv[k])
		}
		b.WriteString("\n")
	}

	return b.String()
}

// mergeExtra layers a loaded entry's unrecognized keys back onto the
// object about to be rendered. Known keys are always set by the caller
// first, so this never overwrites a field this version understands.
func mergeExtra(obj map[string]any, extra map[string]json.RawMessage) {
	for k, v := range extra {
		obj[k] = v
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load parses the sectioned format, verifying the header checksum against
// the content that follows it. Per spec.md §6, the caller is expected to
// retry against the other manifest file (primary or copy) on
// ChecksumError or FormatError.
func Load(r io.Reader) (*Manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	headerEnd := strings.Index(string(raw), "\n\n")
	if headerEnd < 0 {
		return nil, &pgbakerrors.FormatError{Context: "manifest", Err: fmt.Errorf("no header section found")}
	}

	header := string(raw[:headerEnd])
	body := string(raw[headerEnd+2:])

	var storedChecksum string
	for _, line := range strings.Split(header, "\n") {
		if strings.HasPrefix(line, "backrest-checksum=") {
			storedChecksum = strings.Trim(strings.TrimPrefix(line, "backrest-checksum="), `"`)
		}
	}
	if storedChecksum == "" {
		return nil, &pgbakerrors.FormatError{Context: "manifest", Err: fmt.Errorf("missing backrest-checksum header")}
	}

	sum := sha1.Sum([]byte(body))
	actual := hex.EncodeToString(sum[:])
	if actual != storedChecksum {
		return nil, &pgbakerrors.ChecksumError{Path: "manifest", Expected: storedChecksum, Actual: actual}
	}

	m := New()
	sections, err := parseSections(body)
	if err != nil {
		return nil, &pgbakerrors.FormatError{Context: "manifest", Err: err}
	}

	if err := m.loadBackup(sections[sectionBackup]); err != nil {
		return nil, &pgbakerrors.FormatError{Context: "manifest:backup", Err: err}
	}
	if err := m.loadOption(sections[sectionOption]); err != nil {
		return nil, &pgbakerrors.FormatError{Context: "manifest:option", Err: err}
	}
	if err := m.loadDB(sections[sectionDB]); err != nil {
		return nil, &pgbakerrors.FormatError{Context: "manifest:db", Err: err}
	}
	if err := m.loadPathDefault(sections[sectionPathDefault]); err != nil {
		return nil, &pgbakerrors.FormatError{Context: "manifest:path-default", Err: err}
	}
	if err := m.loadFileDefault(sections[sectionFileDefault]); err != nil {
		return nil, &pgbakerrors.FormatError{Context: "manifest:file-default", Err: err}
	}
	if err := m.loadTargets(sections[sectionTarget]); err != nil {
		return nil, &pgbakerrors.FormatError{Context: "manifest:target", Err: err}
	}
	if err := m.loadPaths(sections[sectionPath]); err != nil {
		return nil, &pgbakerrors.FormatError{Context: "manifest:path", Err: err}
	}
	if err := m.loadFiles(sections[sectionFile]); err != nil {
		return nil, &pgbakerrors.FormatError{Context: "manifest:file", Err: err}
	}
	if err := m.loadLinks(sections[sectionLink]); err != nil {
		return nil, &pgbakerrors.FormatError{Context: "manifest:link", Err: err}
	}

	for name, sec := range sections {
		if knownSections[name] {
			continue
		}
		kv := make(map[string]string, len(sec))
		for k, v := range sec {
			kv[k] = v
		}
		m.extraSections[name] = kv
	}

	return m, nil
}

// knownSections lists every section name this version reads into
// typed fields. Anything else parseSections finds is an unrecognized
// whole section, stashed verbatim in Manifest.extraSections so Save can
// round-trip it, per spec.md §4.2's "unknown keys ... preserved"
// requirement extended to whole sections a future format version added.
var knownSections = map[string]bool{
	sectionBackup:      true,
	sectionOption:      true,
	sectionTarget:      true,
	sectionPath:        true,
	sectionPathDefault: true,
	sectionFile:        true,
	sectionFileDefault: true,
	sectionLink:        true,
	sectionDB:          true,
}

// section is a flat key/value map for one bracket-delimited section.
// Unrecognized keys within a per-entry JSON object round-trip via that
// entry type's own Extra field (see loadFiles etc.); an entire
// unrecognized section round-trips via Manifest.extraSections above.
type section map[string]string

func parseSections(body string) (map[string]section, error) {
	out := make(map[string]section)
	var current section
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.Trim(line, "[]")
			current = make(section)
			out[name] = current
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("key/value line %q outside any section", line)
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("malformed line %q: no '='", line)
		}
		current[line[:idx]] = line[idx+1:]
	}
	return out, scanner.Err()
}

func (m *Manifest) loadBackup(s section) error {
	if s == nil {
		return nil
	}
	m.Backup.Label = mustUnquote(s["backup-label"])
	if s["backup-prior"] != "null" {
		m.Backup.PriorLabel = mustUnquote(s["backup-prior"])
	}
	m.Backup.Type = BackupType(mustUnquote(s["backup-type"]))
	m.Backup.TimestampStart = mustInt(s["backup-timestamp-start"])
	m.Backup.CopyStart = mustInt(s["backup-timestamp-copy-start"])
	m.Backup.TimestampStop = mustInt(s["backup-timestamp-stop"])
	return nil
}

func (m *Manifest) loadOption(s section) error {
	if s == nil {
		return nil
	}
	m.Option.CompressType = mustUnquote(s["option-compress-type"])
	m.Option.CompressLevel = int(mustInt(s["option-compress-level"]))
	m.Option.CipherType = mustUnquote(s["option-cipher-type"])
	m.Option.Hardlink = s["option-hardlink"] == "true"
	m.Option.ChecksumPage = s["option-checksum-page"] == "true"
	m.Option.Online = s["option-online"] == "true"
	m.Option.BackupStandby = s["option-backup-standby"] == "true"
	m.Option.BufferSize = int(mustInt(s["option-buffer-size"]))
	m.Option.ProcessMax = int(mustInt(s["option-process-max"]))
	m.Option.Delta = s["option-delta"] == "true"
	return nil
}

func (m *Manifest) loadDB(s section) error {
	if s == nil {
		return nil
	}
	m.Database.Version = mustUnquote(s["db-version"])
	m.Database.SystemID = uint64(mustInt(s["db-system-id"]))
	m.Database.CatalogVersion = uint32(mustInt(s["db-catalog-version"]))
	return nil
}

func (m *Manifest) loadPathDefault(s section) error {
	if s == nil {
		return nil
	}
	mode, err := parseModeString(mustUnquote(s["mode"]))
	if err != nil {
		return err
	}
	m.pathDefault = pathDefault{Mode: mode, User: mustUnquote(s["user"]), Group: mustUnquote(s["group"])}
	return nil
}

func (m *Manifest) loadFileDefault(s section) error {
	if s == nil {
		return nil
	}
	mode, err := parseModeString(mustUnquote(s["mode"]))
	if err != nil {
		return err
	}
	m.fileDefault = fileDefault{Mode: mode, User: mustUnquote(s["user"]), Group: mustUnquote(s["group"])}
	return nil
}

// targetKnownKeys, pathKnownKeys, fileKnownKeys, and linkKnownKeys list
// the per-entry JSON object keys each loader below reads into a typed
// field; anything else is preserved in the entry's Extra map.
var targetKnownKeys = map[string]bool{"type": true, "path": true, "tablespace-id": true, "tablespace-name": true}
var pathKnownKeys = map[string]bool{"mode": true, "user": true, "group": true}
var fileKnownKeys = map[string]bool{
	"size": true, "timestamp": true, "checksum": true, "repo-size": true,
	"reference": true, "mode": true, "user": true, "group": true,
	"master": true, "page-checksum": true,
}
var linkKnownKeys = map[string]bool{"destination": true, "user": true, "group": true}

// extraOf returns the entries of raw not named in known, for an entry
// type's Extra field.
func extraOf(raw map[string]json.RawMessage, known map[string]bool) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for k, v := range raw {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra
}

func (m *Manifest) loadTargets(s section) error {
	for name, raw := range s {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return fmt.Errorf("target %s: %w", name, err)
		}
		var rawObj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &rawObj); err != nil {
			return fmt.Errorf("target %s: %w", name, err)
		}
		t := Target{Name: name, Type: TargetType(strOf(obj["type"]))}
		t.Path = strOf(obj["path"])
		t.TablespaceID = strOf(obj["tablespace-id"])
		t.TablespaceName = strOf(obj["tablespace-name"])
		t.Extra = extraOf(rawObj, targetKnownKeys)
		m.targets[name] = t
	}
	return nil
}

func (m *Manifest) loadPaths(s section) error {
	for name, raw := range s {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return fmt.Errorf("path %s: %w", name, err)
		}
		var rawObj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &rawObj); err != nil {
			return fmt.Errorf("path %s: %w", name, err)
		}
		p := PathEntry{Name: name, Mode: m.pathDefault.Mode, User: m.pathDefault.User, Group: m.pathDefault.Group}
		if v, ok := obj["mode"]; ok {
			mode, err := parseModeString(strOf(v))
			if err != nil {
				return err
			}
			p.Mode = mode
		}
		if v, ok := obj["user"]; ok {
			p.User = strOf(v)
		}
		if v, ok := obj["group"]; ok {
			p.Group = strOf(v)
		}
		p.Extra = extraOf(rawObj, pathKnownKeys)
		m.paths[name] = p
	}
	return nil
}

func (m *Manifest) loadFiles(s section) error {
	for name, raw := range s {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return fmt.Errorf("file %s: %w", name, err)
		}
		var rawObj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &rawObj); err != nil {
			return fmt.Errorf("file %s: %w", name, err)
		}
		f := FileEntry{
			Name:  name,
			Mode:  m.fileDefault.Mode,
			User:  m.fileDefault.User,
			Group: m.fileDefault.Group,
		}
		f.Size = int64OfAny(obj["size"])
		f.Timestamp = int64OfAny(obj["timestamp"])
		f.Checksum = strOf(obj["checksum"])
		f.RepoSize = f.Size
		if v, ok := obj["repo-size"]; ok {
			f.RepoSize = int64OfAny(v)
		}
		if v, ok := obj["reference"]; ok {
			f.Reference = strOf(v)
		}
		if v, ok := obj["mode"]; ok {
			mode, err := parseModeString(strOf(v))
			if err != nil {
				return err
			}
			f.Mode = mode
		}
		if v, ok := obj["user"]; ok {
			f.User = strOf(v)
		}
		if v, ok := obj["group"]; ok {
			f.Group = strOf(v)
		}
		if v, ok := obj["master"]; ok {
			f.MasterRead, _ = v.(bool)
		}
		if v, ok := obj["page-checksum"]; ok {
			f.PageChecksum = pageChecksumFromJSON(v)
		}
		f.Extra = extraOf(rawObj, fileKnownKeys)
		m.files[name] = f
	}
	return nil
}

func (m *Manifest) loadLinks(s section) error {
	for name, raw := range s {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return fmt.Errorf("link %s: %w", name, err)
		}
		var rawObj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &rawObj); err != nil {
			return fmt.Errorf("link %s: %w", name, err)
		}
		m.links[name] = LinkEntry{
			Name:        name,
			Destination: strOf(obj["destination"]),
			User:        strOf(obj["user"]),
			Group:       strOf(obj["group"]),
			Extra:       extraOf(rawObj, linkKnownKeys),
		}
	}
	return nil
}

func pageChecksumToJSON(p *PageChecksumResult) map[string]any {
	obj := map[string]any{"valid": p.Valid}
	if !p.Align {
		obj["align"] = false
	}
	if len(p.BadPages) > 0 {
		errs := make([]any, 0, len(p.BadPages))
		for _, r := range p.BadPages {
			if r.First == r.Last {
				errs = append(errs, r.First)
			} else {
				errs = append(errs, []uint32{r.First, r.Last})
			}
		}
		obj["error"] = errs
	}
	return obj
}

func pageChecksumFromJSON(v any) *PageChecksumResult {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	p := &PageChecksumResult{Align: true}
	if valid, ok := obj["valid"].(bool); ok {
		p.Valid = valid
	}
	if align, ok := obj["align"].(bool); ok {
		p.Align = align
	}
	if errs, ok := obj["error"].([]any); ok {
		for _, e := range errs {
			switch v := e.(type) {
			case float64:
				p.BadPages = append(p.BadPages, pgpage.Range{First: uint32(v), Last: uint32(v)})
			case []any:
				if len(v) == 2 {
					f, _ := v[0].(float64)
					l, _ := v[1].(float64)
					p.BadPages = append(p.BadPages, pgpage.Range{First: uint32(f), Last: uint32(l)})
				}
			}
		}
	}
	return p
}

func jsonString(s string) string     { return mustJSON(s) }
func jsonStringOrNull(s string) string {
	if s == "" {
		return "null"
	}
	return mustJSON(s)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only ever called with maps/strings/ints this package builds itself.
		panic(err)
	}
	return string(b)
}

func mustUnquote(s string) string {
	if s == "" {
		return ""
	}
	var out string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return strings.Trim(s, `"`)
	}
	return out
}

func mustInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func int64OfAny(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func modeString(mode uint32) string {
	return fmt.Sprintf("%04o", mode)
}

func parseModeString(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	return uint32(n), nil
}
