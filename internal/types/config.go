package types

import (
	"fmt"
	"strings"
)

type DetectorType int

const (
	UnknownDetector DetectorType = iota
	Jungfrau
	Eiger
	Mythen3
	Moench
	Moench03
	ChipTestBoard
)

var detectorNames = map[DetectorType]string{
	Jungfrau:      "Jungfrau",
	Eiger:         "Eiger",
	Mythen3:       "Mythen3",
	Moench:        "Moench",
	Moench03:      "Moench03",
	ChipTestBoard: "ChipTestBoard",
}

func (d DetectorType) String() string {
	if name, ok := detectorNames[d]; ok {
		return name
	}
	return "Unknown"
}

func ParseDetectorType(name string) (DetectorType, error) {
	name = strings.TrimSpace(name)
	for det, s := range detectorNames {
		if strings.EqualFold(s, name) {
			return det, nil
		}
	}
	return UnknownDetector, fmt.Errorf("%w: unknown detector type %q", ErrConfig, name)
}

// Geometry is the module arrangement of a detector, in modules.
type Geometry struct {
	Rows int `json:"y" yaml:"rows"`
	Cols int `json:"x" yaml:"cols"`
}

func (g Geometry) Modules() int { return g.Rows * g.Cols }

func (g Geometry) String() string { return fmt.Sprintf("[%d, %d]", g.Cols, g.Rows) }

// FileConfig describes a file to be created. Reading never needs one; the
// on-disk metadata is authoritative.
type FileConfig struct {
	DType            DType
	Rows             int
	Cols             int
	TotalFrames      int
	MaxFramesPerFile int
	Detector         DetectorType
	Geometry         Geometry
	Version          string
}

func (c FileConfig) Equal(other FileConfig) bool { return c == other }

func (c FileConfig) Validate() error {
	if c.Rows < 1 || c.Cols < 1 {
		return fmt.Errorf("%w: invalid frame shape %dx%d", ErrConfig, c.Rows, c.Cols)
	}
	if c.DType == None {
		return fmt.Errorf("%w: missing dtype", ErrConfig)
	}
	return nil
}
