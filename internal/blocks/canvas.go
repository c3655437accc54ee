package blocks

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"unlockmemory/api/internal/util"
)

// Canvas geometry. Positions snap to the grid on every move and
// resize; un-snapped values are never stored.
const (
	GridSize       = 20
	MinBlockWidth  = 600
	MinBlockHeight = 200
	// Blocks whose vertical centers are within this distance read as
	// one visual row.
	rowThreshold = 50
	// Duplicated blocks land slightly below and right of the source.
	duplicateOffset = GridSize
)

// CanvasBlock is a block placed on the 2D canvas.
type CanvasBlock struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	W       int    `json:"w"`
	H       int    `json:"h"`
	Content string `json:"content"`
}

// Canvas is the free-form container variant.
type Canvas struct {
	Version int           `json:"version"`
	Blocks  []CanvasBlock `json:"blocks"`
}

// EmptyCanvas returns a valid canvas with no blocks.
func EmptyCanvas() *Canvas {
	return &Canvas{Version: 1, Blocks: []CanvasBlock{}}
}

// ParseCanvas decodes the canvas wrapper. Payloads with a version
// other than 1 or a non-array blocks field are rejected and replaced
// by the empty canvas.
func ParseCanvas(data []byte) *Canvas {
	var probe struct {
		Version int             `json:"version"`
		Blocks  json.RawMessage `json:"blocks"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		log.Printf("blocks: malformed canvas payload: %v", err)
		return EmptyCanvas()
	}
	if probe.Version != 1 {
		log.Printf("blocks: unsupported canvas version %d", probe.Version)
		return EmptyCanvas()
	}
	var parsed []CanvasBlock
	if err := json.Unmarshal(probe.Blocks, &parsed); err != nil {
		log.Printf("blocks: canvas blocks is not an array: %v", err)
		return EmptyCanvas()
	}
	canvas := &Canvas{Version: 1, Blocks: parsed}
	for i := range canvas.Blocks {
		canvas.Blocks[i] = snapped(canvas.Blocks[i])
	}
	return canvas
}

// Serialize renders the canvas wrapper.
func (c *Canvas) Serialize() []byte {
	if c.Blocks == nil {
		c.Blocks = []CanvasBlock{}
	}
	data, _ := json.Marshal(c)
	return data
}

func snapToGrid(v int) int {
	half := GridSize / 2
	if v >= 0 {
		return ((v + half) / GridSize) * GridSize
	}
	return -(((-v + half) / GridSize) * GridSize)
}

func snapped(b CanvasBlock) CanvasBlock {
	b.X = snapToGrid(b.X)
	b.Y = snapToGrid(b.Y)
	b.W = snapToGrid(b.W)
	b.H = snapToGrid(b.H)
	if b.W < MinBlockWidth {
		b.W = MinBlockWidth
	}
	if b.H < MinBlockHeight {
		b.H = MinBlockHeight
	}
	return b
}

// AddBlock places a new block, snapped and sized to the minimums.
func (c *Canvas) AddBlock(kind string, x, y int) CanvasBlock {
	if kind != KindChat {
		kind = KindText
	}
	block := snapped(CanvasBlock{
		ID:   util.NewID("blk"),
		Kind: kind,
		X:    x,
		Y:    y,
		W:    MinBlockWidth,
		H:    MinBlockHeight,
	})
	c.Blocks = append(c.Blocks, block)
	return block
}

func (c *Canvas) find(id string) (int, error) {
	for i := range c.Blocks {
		if c.Blocks[i].ID == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("canvas block %s not found", id)
}

// MoveTo repositions a block, snapping to the grid.
func (c *Canvas) MoveTo(id string, x, y int) error {
	i, err := c.find(id)
	if err != nil {
		return err
	}
	c.Blocks[i].X = snapToGrid(x)
	c.Blocks[i].Y = snapToGrid(y)
	return nil
}

// Resize changes a block's size, snapping and enforcing minimums.
func (c *Canvas) Resize(id string, w, h int) error {
	i, err := c.find(id)
	if err != nil {
		return err
	}
	b := c.Blocks[i]
	b.W = w
	b.H = h
	c.Blocks[i] = snapped(b)
	return nil
}

// Duplicate copies a block under a fresh id, offset from the source.
func (c *Canvas) Duplicate(id string) (CanvasBlock, error) {
	i, err := c.find(id)
	if err != nil {
		return CanvasBlock{}, err
	}
	dup := c.Blocks[i]
	dup.ID = util.NewID("blk")
	dup.X = snapToGrid(dup.X + duplicateOffset)
	dup.Y = snapToGrid(dup.Y + duplicateOffset)
	c.Blocks = append(c.Blocks, dup)
	return dup, nil
}

// DeleteBlock removes a block from the canvas.
func (c *Canvas) DeleteBlock(id string) error {
	i, err := c.find(id)
	if err != nil {
		return err
	}
	c.Blocks = append(c.Blocks[:i], c.Blocks[i+1:]...)
	return nil
}

// UpdateContent replaces a canvas block's content.
func (c *Canvas) UpdateContent(id, content string) error {
	i, err := c.find(id)
	if err != nil {
		return err
	}
	c.Blocks[i].Content = content
	return nil
}

// SortForReading orders blocks row-wise: top to bottom by y, left to
// right by x when two blocks sit within the same visual row band.
// The sort is stable and idempotent.
func SortForReading(blocks []CanvasBlock) []CanvasBlock {
	sorted := make([]CanvasBlock, len(blocks))
	copy(sorted, blocks)
	sort.SliceStable(sorted, func(i, j int) bool {
		dy := sorted[i].Y - sorted[j].Y
		if dy < 0 {
			dy = -dy
		}
		if dy <= rowThreshold {
			if sorted[i].X != sorted[j].X {
				return sorted[i].X < sorted[j].X
			}
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].Y < sorted[j].Y
	})
	return sorted
}

// ReadingOrder is the canvas reading order as a linear block list,
// used when rendering a canvas lesson for export or search.
func (c *Canvas) ReadingOrder() []CanvasBlock {
	return SortForReading(c.Blocks)
}
