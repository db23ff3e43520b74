package types

type HitMapSnapshot struct {
	Rows   int      `json:"rows"`
	Cols   int      `json:"cols"`
	Frames int      `json:"frames"`
	Hits   uint64   `json:"hits"`
	Counts []uint32 `json:"counts"`
	// Recent holds the hit count of the latest frames, oldest first.
	Recent []int `json:"recent"`
}

type UISnapshot struct {
	Type string         `json:"type"`
	Data HitMapSnapshot `json:"data"`
}
