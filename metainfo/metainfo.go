// Package metainfo provides a typed view over a decoded bencode dictionary
// describing a torrent: trackers, piece layout, and the file or files the
// torrent covers. It computes the info-hash that identifies a torrent and
// mutates the piece list as files are added or removed.
package metainfo

import (
	"crypto/sha1"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nilsjor/gobitorrent/bencode"
	"github.com/pkg/errors"
)

const (
	pieceDigestLen     = 20
	defaultPieceLength = 262144
)

// FileError reports a metainfo invariant violated during construction or
// mutation: a non-positive piece length, or computing an info-hash with no
// info dictionary present.
type FileError struct {
	msg string
	err error
}

func (e *FileError) Error() string {
	if e.err != nil {
		return "metainfo: " + e.msg + ": " + e.err.Error()
	}
	return "metainfo: " + e.msg
}

func (e *FileError) Unwrap() error { return e.err }

func fileError(msg string) error          { return &FileError{msg: msg} }
func wrapFileError(msg string, err error) error {
	return &FileError{msg: msg, err: errors.WithStack(err)}
}

// File describes one file covered by the torrent: its path as ordered
// segments (a single element for single-file torrents) and its length in
// bytes.
type File struct {
	Path   []string
	Length int64
}

// Tracker is one flattened announce URL pulled from `announce` or
// `announce-list`, tagged with its URL scheme so the tracker package can
// pick a transport without reparsing the URL.
type Tracker struct {
	URL    string
	Scheme string
}

// Metainfo is a mutable view over a torrent's bencode dictionary.
type Metainfo struct {
	path                string
	dict                map[string]bencode.Value
	defaultPieceLength  int64
}

// Open loads path as a bencoded metainfo file. If path does not exist, a
// fresh Metainfo is initialized with defaults (piece length 262144, empty
// pieces, empty announce, creation date now) and Write will create the file
// on first save.
func Open(path string) (*Metainfo, error) {
	m := &Metainfo{
		path:               path,
		defaultPieceLength: defaultPieceLength,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.dict = map[string]bencode.Value{
				"announce":      bencode.String(""),
				"creation date": bencode.Int64(time.Now().Unix()),
			}
			return m, nil
		}
		return nil, wrapFileError("reading "+path, err)
	}

	v, err := bencode.Decode(raw)
	if err != nil {
		return nil, wrapFileError("decoding "+path, err)
	}
	if v.Kind != bencode.KindDict {
		return nil, fileError("metainfo file is not a dictionary")
	}
	m.dict = v.Dict
	return m, nil
}

// Write serializes the metainfo to the path supplied to Open.
func (m *Metainfo) Write() error {
	out, err := bencode.Encode(bencode.Dict(m.dict))
	if err != nil {
		return wrapFileError("encoding metainfo", err)
	}
	if err := os.WriteFile(m.path, out, 0o644); err != nil {
		return wrapFileError("writing "+m.path, err)
	}
	return nil
}

// Announce returns the top-level tracker URL.
func (m *Metainfo) Announce() string {
	if v, ok := m.dict["announce"]; ok {
		return v.Str()
	}
	return ""
}

// SetAnnounce sets the top-level tracker URL.
func (m *Metainfo) SetAnnounce(url string) {
	m.dict["announce"] = bencode.String(url)
}

// Trackers flattens `announce` and `announce-list` (BEP-0012) into one
// ordered list, the way the teacher's torrentFile.AnnounceList is walked
// into Torrent.Trackers.
func (m *Metainfo) Trackers() []Tracker {
	var out []Tracker
	seen := make(map[string]bool)
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			return
		}
		seen[raw] = true
		out = append(out, Tracker{URL: raw, Scheme: urlScheme(raw)})
	}
	add(m.Announce())
	if v, ok := m.dict["announce-list"]; ok && v.Kind == bencode.KindList {
		for _, tier := range v.List {
			if tier.Kind != bencode.KindList {
				continue
			}
			for _, entry := range tier.List {
				add(entry.Str())
			}
		}
	}
	return out
}

func urlScheme(raw string) string {
	i := strings.Index(raw, "://")
	if i < 0 {
		return ""
	}
	return strings.ToLower(raw[:i])
}

// Comment returns the optional free-text comment.
func (m *Metainfo) Comment() string {
	if v, ok := m.dict["comment"]; ok {
		return v.Str()
	}
	return ""
}

// SetComment sets the optional free-text comment.
func (m *Metainfo) SetComment(c string) {
	m.dict["comment"] = bencode.String(c)
}

// CreatedBy returns the optional client-identification string.
func (m *Metainfo) CreatedBy() string {
	if v, ok := m.dict["created by"]; ok {
		return v.Str()
	}
	return ""
}

// CreationDate returns the torrent's creation time, or the zero time if
// absent.
func (m *Metainfo) CreationDate() time.Time {
	v, ok := m.dict["creation date"]
	if !ok || v.Kind != bencode.KindInt {
		return time.Time{}
	}
	return time.Unix(v.Int, 0).UTC()
}

// SetCreationDate sets the torrent's creation time.
func (m *Metainfo) SetCreationDate(t time.Time) {
	m.dict["creation date"] = bencode.Int64(t.Unix())
}

// Name returns the top-level suggested name (file name for single-file
// torrents, directory name for multi-file torrents) and whether it is set.
func (m *Metainfo) Name() (string, bool) {
	info := m.infoDict()
	if info == nil {
		return "", false
	}
	v, ok := info["name"]
	if !ok {
		return "", false
	}
	return v.Str(), true
}

// PieceLength returns the configured piece size in bytes: the info
// dictionary's `piece length` when present, otherwise the value last passed
// to SetPieceLength, or the default (262144) if it was never called.
func (m *Metainfo) PieceLength() int64 {
	info := m.infoDict()
	if info != nil {
		if v, ok := info["piece length"]; ok && v.Kind == bencode.KindInt {
			return v.Int
		}
	}
	return m.defaultPieceLength
}

// SetPieceLength overrides the piece size used by future AddFile calls.
func (m *Metainfo) SetPieceLength(n int64) {
	m.defaultPieceLength = n
	if info := m.infoDict(); info != nil {
		info["piece length"] = bencode.Int64(n)
	}
}

func (m *Metainfo) infoDict() map[string]bencode.Value {
	v, ok := m.dict["info"]
	if !ok || v.Kind != bencode.KindDict {
		return nil
	}
	return v.Dict
}

func (m *Metainfo) ensureInfoDict() map[string]bencode.Value {
	info := m.infoDict()
	if info != nil {
		return info
	}
	info = map[string]bencode.Value{
		"piece length": bencode.Int64(m.PieceLength()),
		"pieces":       bencode.Bytestring(nil),
	}
	m.dict["info"] = bencode.Dict(info)
	return info
}

// InfoHash returns the SHA-1 of the canonical bencoding of the `info`
// sub-dictionary. This is the torrent's identity and is a pure function of
// `info`'s contents.
func (m *Metainfo) InfoHash() ([20]byte, error) {
	var zero [20]byte
	info := m.infoDict()
	if info == nil {
		return zero, fileError("cannot compute info-hash: no info dictionary")
	}
	encoded, err := bencode.Encode(bencode.Dict(info))
	if err != nil {
		return zero, wrapFileError("encoding info dictionary", err)
	}
	return sha1.Sum(encoded), nil
}

// isMultiFile reports whether the info dictionary uses the multi-file shape
// (a `files` list) rather than the single-file shape (`name`/`length`).
func isMultiFile(info map[string]bencode.Value) bool {
	_, ok := info["files"]
	return ok
}

// Files returns the flat list of files the torrent covers.
func (m *Metainfo) Files() []File {
	info := m.infoDict()
	if info == nil {
		return nil
	}
	if isMultiFile(info) {
		filesVal, ok := info["files"]
		if !ok || filesVal.Kind != bencode.KindList {
			return nil
		}
		out := make([]File, 0, len(filesVal.List))
		for _, fv := range filesVal.List {
			out = append(out, fileFromValue(fv))
		}
		return out
	}
	name, hasName := info["name"]
	length, hasLength := info["length"]
	if !hasName && !hasLength {
		return nil
	}
	return []File{{Path: []string{name.Str()}, Length: length.Int}}
}

func fileFromValue(v bencode.Value) File {
	var f File
	if pv, ok := v.Get("path"); ok && pv.Kind == bencode.KindList {
		for _, seg := range pv.List {
			f.Path = append(f.Path, seg.Str())
		}
	}
	if lv, ok := v.Get("length"); ok {
		f.Length = lv.Int
	}
	return f
}

func fileToValue(f File) bencode.Value {
	segs := make([]bencode.Value, len(f.Path))
	for i, s := range f.Path {
		segs[i] = bencode.String(s)
	}
	return bencode.Dict(map[string]bencode.Value{
		"path":   {Kind: bencode.KindList, List: segs},
		"length": bencode.Int64(f.Length),
	})
}

// Pieces slices the `pieces` byte-string into successive 20-byte digests.
func (m *Metainfo) Pieces() [][pieceDigestLen]byte {
	info := m.infoDict()
	if info == nil {
		return nil
	}
	v, ok := info["pieces"]
	if !ok {
		return nil
	}
	n := len(v.Bytes) / pieceDigestLen
	out := make([][pieceDigestLen]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], v.Bytes[i*pieceDigestLen:(i+1)*pieceDigestLen])
	}
	return out
}

func piecesBytes(info map[string]bencode.Value) []byte {
	if v, ok := info["pieces"]; ok {
		return v.Bytes
	}
	return nil
}

func digestCount(length, pieceLength int64) int {
	if pieceLength <= 0 {
		return 0
	}
	return int(math.Ceil(float64(length) / float64(pieceLength)))
}

// hashFile reads diskPath in pieceLength-sized chunks and returns the
// concatenation of each chunk's SHA-1 digest. The final, possibly short,
// chunk still contributes exactly one 20-byte digest.
func hashFile(diskPath string, pieceLength int64) ([]byte, int64, error) {
	f, err := os.Open(diskPath)
	if err != nil {
		return nil, 0, wrapFileError("opening "+diskPath, err)
	}
	defer f.Close()

	var digests []byte
	var total int64
	buf := make([]byte, pieceLength)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			h := sha1.Sum(buf[:n])
			digests = append(digests, h[:]...)
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, wrapFileError("reading "+diskPath, err)
		}
	}
	return digests, total, nil
}

// AddFile reads diskPath off disk, hashes it into piece-length digests, and
// appends it to the torrent. An empty info dictionary becomes single-file;
// a single-file info migrates to multi-file on the second call; a
// multi-file info simply grows its files list.
func (m *Metainfo) AddFile(diskPath string) error {
	pieceLength := m.PieceLength()
	if pieceLength <= 0 {
		return fileError("piece length must be > 0")
	}

	digests, size, err := hashFile(diskPath, pieceLength)
	if err != nil {
		return err
	}
	name := filepath.Base(diskPath)

	info := m.ensureInfoDict()
	info["piece length"] = bencode.Int64(pieceLength)

	switch {
	case !hasAnyFile(info):
		info["name"] = bencode.String(name)
		info["length"] = bencode.Int64(size)
		info["pieces"] = bencode.Bytestring(digests)

	case !isMultiFile(info):
		existingName, _ := info["name"]
		existingLength, _ := info["length"]
		first := File{Path: []string{existingName.Str()}, Length: existingLength.Int}
		delete(info, "name")
		delete(info, "length")
		files := []bencode.Value{fileToValue(first), fileToValue(File{Path: []string{name}, Length: size})}
		info["files"] = bencode.Value{Kind: bencode.KindList, List: files}
		info["pieces"] = bencode.Bytestring(append(piecesBytes(info), digests...))

	default:
		filesVal := info["files"]
		filesVal.List = append(filesVal.List, fileToValue(File{Path: []string{name}, Length: size}))
		info["files"] = filesVal
		info["pieces"] = bencode.Bytestring(append(piecesBytes(info), digests...))
	}

	return nil
}

func hasAnyFile(info map[string]bencode.Value) bool {
	if _, ok := info["length"]; ok {
		return true
	}
	if _, ok := info["files"]; ok {
		return true
	}
	if _, ok := info["name"]; ok {
		return true
	}
	return false
}

// RemoveFile removes the file whose joined path segments match path,
// rebuilding `pieces` by concatenating every remaining file's digest range.
// A path that doesn't match any file is a silent no-op.
func (m *Metainfo) RemoveFile(path []string) error {
	info := m.infoDict()
	if info == nil {
		return nil
	}
	target := strings.Join(path, "/")
	pieceLength := m.PieceLength()

	if !isMultiFile(info) {
		nameVal, hasName := info["name"]
		if !hasName || nameVal.Str() != target {
			return nil
		}
		delete(info, "name")
		delete(info, "length")
		info["pieces"] = bencode.Bytestring(nil)
		return nil
	}

	filesVal := info["files"]
	var remaining []bencode.Value
	var newPieces []byte
	oldPieces := piecesBytes(info)
	offsetDigests := 0
	for _, fv := range filesVal.List {
		f := fileFromValue(fv)
		count := digestCount(f.Length, pieceLength)
		joined := strings.Join(f.Path, "/")
		if joined != target {
			start := offsetDigests * pieceDigestLen
			end := start + count*pieceDigestLen
			if end <= len(oldPieces) {
				newPieces = append(newPieces, oldPieces[start:end]...)
			}
			remaining = append(remaining, fv)
		}
		offsetDigests += count
	}

	if len(remaining) == 1 {
		only := fileFromValue(remaining[0])
		delete(info, "files")
		if len(only.Path) > 0 {
			info["name"] = bencode.String(only.Path[len(only.Path)-1])
		}
		info["length"] = bencode.Int64(only.Length)
		info["pieces"] = bencode.Bytestring(newPieces)
		return nil
	}

	info["files"] = bencode.Value{Kind: bencode.KindList, List: remaining}
	info["pieces"] = bencode.Bytestring(newPieces)
	return nil
}
