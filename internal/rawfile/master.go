package rawfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"slsframe-go/internal/types"
)

// MasterFile is the acquisition metadata written next to the data files.
type MasterFile struct {
	Path     string
	BaseDir  string
	BaseName string
	Index    int
	Ext      string

	Version          string
	Detector         types.DetectorType
	TimingMode       string
	TotalFrames      int
	PartRows         int
	PartCols         int
	MaxFramesPerFile int
	Bitdepth         int
	ImageSize        int
	Quad             bool
	Geometry         types.Geometry
}

// IsMasterFile reports whether path names a raw master file.
func IsMasterFile(path string) bool {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ext := filepath.Ext(path)
	return strings.Contains(stem, "_master_") && (ext == ".json" || ext == ".raw")
}

func splitMasterName(path string) (base string, index int, err error) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	pos := strings.LastIndex(stem, "_master_")
	if pos < 0 {
		return "", 0, fmt.Errorf("%w: %s is not a master file name", types.ErrConfig, path)
	}
	index, err = strconv.Atoi(stem[pos+len("_master_"):])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s: cannot parse file index", types.ErrConfig, path)
	}
	return stem[:pos], index, nil
}

// DataPath returns the path of the data file holding module's chunk.
func (m *MasterFile) DataPath(module, chunk int) string {
	return filepath.Join(m.BaseDir, fmt.Sprintf("%s_d%d_f%d_%d.raw", m.BaseName, module, chunk, m.Index))
}

func (m *MasterFile) Modules() int { return m.Geometry.Modules() }

// Chunks is the number of data files each module is split into.
func (m *MasterFile) Chunks() int {
	if m.MaxFramesPerFile <= 0 || m.TotalFrames <= m.MaxFramesPerFile {
		return 1
	}
	return (m.TotalFrames + m.MaxFramesPerFile - 1) / m.MaxFramesPerFile
}

func (m *MasterFile) PartBytes() int { return m.PartRows * m.PartCols * m.Bitdepth / 8 }

// ParseMasterFile reads a .json or .raw master file.
func ParseMasterFile(path string) (*MasterFile, error) {
	base, index, err := splitMasterName(path)
	if err != nil {
		return nil, err
	}
	m := &MasterFile{
		Path:     path,
		BaseDir:  filepath.Dir(path),
		BaseName: base,
		Index:    index,
		Ext:      filepath.Ext(path),
	}
	switch m.Ext {
	case ".json":
		err = m.parseJSON()
	case ".raw":
		err = m.parseText()
	default:
		err = fmt.Errorf("%w: unsupported master file extension %q", types.ErrFormat, m.Ext)
	}
	if err != nil {
		return nil, err
	}
	if m.Geometry.Rows == 0 && m.Geometry.Cols == 0 {
		m.Geometry = types.Geometry{Rows: 1, Cols: 1}
	}
	if m.PartRows < 1 || m.PartCols < 1 || m.Geometry.Rows < 1 || m.Geometry.Cols < 1 {
		return nil, fmt.Errorf("%w: %s: invalid pixels %dx%d or geometry %s",
			types.ErrConfig, path, m.PartRows, m.PartCols, m.Geometry)
	}
	return m, nil
}

type xyJSON struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type masterJSON struct {
	Version          json.RawMessage `json:"Version"`
	Timestamp        string          `json:"Timestamp,omitempty"`
	DetectorType     string          `json:"Detector Type"`
	TimingMode       string          `json:"Timing Mode"`
	Geometry         *xyJSON         `json:"Geometry,omitempty"`
	ImageSize        int             `json:"Image Size in bytes"`
	Pixels           xyJSON          `json:"Pixels"`
	MaxFramesPerFile int             `json:"Max Frames Per File"`
	DynamicRange     *int            `json:"Dynamic Range,omitempty"`
	Quad             *int            `json:"Quad,omitempty"`
	TotalFrames      *int            `json:"Total Frames,omitempty"`
	FramesInFile     *int            `json:"Frames in File,omitempty"`
}

func (m *MasterFile) parseJSON() error {
	raw, err := os.ReadFile(m.Path)
	if err != nil {
		return err
	}
	var j masterJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrFormat, m.Path, err)
	}

	m.Version = parseVersion(j.Version)
	if m.Detector, err = types.ParseDetectorType(j.DetectorType); err != nil {
		return err
	}
	m.TimingMode = j.TimingMode
	m.ImageSize = j.ImageSize
	m.PartRows, m.PartCols = j.Pixels.Y, j.Pixels.X
	m.MaxFramesPerFile = j.MaxFramesPerFile
	switch {
	case j.FramesInFile != nil:
		m.TotalFrames = *j.FramesInFile
	case j.TotalFrames != nil:
		m.TotalFrames = *j.TotalFrames
	default:
		return fmt.Errorf("%w: %s: missing frame count", types.ErrFormat, m.Path)
	}
	m.Bitdepth = 16
	if j.DynamicRange != nil {
		m.Bitdepth = *j.DynamicRange
	}
	if m.Detector == types.Eiger && j.Quad != nil {
		m.Quad = *j.Quad == 1
	}
	if j.Geometry != nil {
		m.Geometry = types.Geometry{Rows: j.Geometry.Y, Cols: j.Geometry.X}
	}
	return nil
}

func parseVersion(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return ""
}

// parseText reads the legacy "Key : value" master format up to the frame
// header description.
func (m *MasterFile) parseText() error {
	f, err := os.Open(m.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#Frame Header") {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "Version":
			m.Version = value
		case "Detector Type":
			if m.Detector, err = types.ParseDetectorType(value); err != nil {
				return err
			}
		case "Timing Mode":
			m.TimingMode = value
		case "Pixels":
			if m.PartCols, m.PartRows, err = parsePair(value); err != nil {
				return fmt.Errorf("%s: Pixels: %w", m.Path, err)
			}
		case "Geometry":
			if m.Geometry.Cols, m.Geometry.Rows, err = parsePair(value); err != nil {
				return fmt.Errorf("%s: Geometry: %w", m.Path, err)
			}
		case "Total Frames":
			m.TotalFrames, err = strconv.Atoi(value)
		case "Dynamic Range":
			m.Bitdepth, err = strconv.Atoi(value)
		case "Max Frames Per File":
			m.MaxFramesPerFile, err = strconv.Atoi(value)
		case "Image Size":
			if fields := strings.Fields(value); len(fields) > 0 {
				m.ImageSize, err = strconv.Atoi(fields[0])
			}
		case "Quad":
			m.Quad = value == "1"
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %s: %v", types.ErrFormat, m.Path, key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if m.Detector == types.UnknownDetector {
		return fmt.Errorf("%w: %s: missing detector type", types.ErrFormat, m.Path)
	}
	if m.Bitdepth == 0 {
		if m.Detector == types.Eiger {
			m.Bitdepth = 32
		} else {
			m.Bitdepth = 16
		}
	}
	return nil
}

// parsePair parses "[a, b]".
func parsePair(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return 0, 0, fmt.Errorf("%w: expected [a, b], got %q", types.ErrFormat, s)
	}
	first, second, ok := strings.Cut(s[1:len(s)-1], ",")
	if !ok {
		return 0, 0, fmt.Errorf("%w: expected [a, b], got %q", types.ErrFormat, s)
	}
	a, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", types.ErrFormat, err)
	}
	b, err := strconv.Atoi(strings.TrimSpace(second))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", types.ErrFormat, err)
	}
	return a, b, nil
}
