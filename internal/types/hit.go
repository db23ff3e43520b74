package types

// Hit is one cluster found in a frame. Row and Col locate the seed (the
// window maximum); the centroid is weighted by the positive pixel values the
// cluster claimed. Pixels holds the full window centred on the seed in
// row-major order, with zeros where the window leaves the frame.
type Hit struct {
	Row         int       `json:"row" cbor:"row"`
	Col         int       `json:"col" cbor:"col"`
	CentroidRow float64   `json:"centroid_row" cbor:"crow"`
	CentroidCol float64   `json:"centroid_col" cbor:"ccol"`
	Top         int       `json:"top" cbor:"top"`
	Left        int       `json:"left" cbor:"left"`
	Rows        int       `json:"rows" cbor:"rows"`
	Cols        int       `json:"cols" cbor:"cols"`
	Size        int       `json:"size" cbor:"size"`
	Energy      float64   `json:"energy" cbor:"energy"`
	Max         float64   `json:"max" cbor:"max"`
	Pixels      []float64 `json:"pixels,omitempty" cbor:"pixels,omitempty"`
	Reserved    uint16    `json:"reserved,omitempty" cbor:"reserved,omitempty"`
}

// Window returns the window bounds, clipped to the frame, as [r0,r1) x [c0,c1).
func (h Hit) Window() (r0, c0, r1, c1 int) {
	return h.Top, h.Left, h.Top + h.Rows, h.Left + h.Cols
}
