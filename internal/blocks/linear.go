// Package blocks holds the two lesson block containers: a linear
// ordered list of text and chat blocks, and a free-form 2D canvas of
// the same blocks with a derived reading order.
package blocks

import (
	"fmt"
	"strings"

	"unlockmemory/api/internal/util"
)

const (
	KindText = "text"
	KindChat = "chat"
)

// Linear wire format: blocks joined by a sentinel, each prefixed with
// a kind tag comment. Content without any sentinel is a single legacy
// text block.
const (
	blockSeparator = "\n\n---BLOCK---\n\n"
	kindPrefixChat = "<!-- BLOCK_TYPE:chat -->\n"
	kindPrefixText = "<!-- BLOCK_TYPE:richtext -->\n"
)

// Block is one entry in a linear container.
type Block struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	Collapsed bool   `json:"collapsed"`
}

// Linear is an ordered block list. Reading order is list order.
type Linear struct {
	Blocks []Block
}

// ParseLinear decodes the sentinel-delimited wire format.
func ParseLinear(serialized string) *Linear {
	if strings.TrimSpace(serialized) == "" {
		return &Linear{}
	}
	if !strings.Contains(serialized, blockSeparator) {
		return &Linear{Blocks: []Block{{
			ID:      util.NewID("blk"),
			Kind:    KindText,
			Content: serialized,
		}}}
	}

	var l Linear
	for _, chunk := range strings.Split(serialized, blockSeparator) {
		kind := KindText
		content := chunk
		switch {
		case strings.HasPrefix(chunk, kindPrefixChat):
			kind = KindChat
			content = strings.TrimPrefix(chunk, kindPrefixChat)
		case strings.HasPrefix(chunk, kindPrefixText):
			content = strings.TrimPrefix(chunk, kindPrefixText)
		}
		l.Blocks = append(l.Blocks, Block{
			ID:      util.NewID("blk"),
			Kind:    kind,
			Content: content,
		})
	}
	return &l
}

// Serialize renders the wire format.
func (l *Linear) Serialize() string {
	parts := make([]string, 0, len(l.Blocks))
	for _, b := range l.Blocks {
		prefix := kindPrefixText
		if b.Kind == KindChat {
			prefix = kindPrefixChat
		}
		parts = append(parts, prefix+b.Content)
	}
	return strings.Join(parts, blockSeparator)
}

// InsertBlock inserts a new empty block of the given kind at index,
// clamped to the list bounds, and returns it.
func (l *Linear) InsertBlock(index int, kind string) Block {
	if kind != KindChat {
		kind = KindText
	}
	block := Block{ID: util.NewID("blk"), Kind: kind}
	if index < 0 {
		index = 0
	}
	if index > len(l.Blocks) {
		index = len(l.Blocks)
	}
	l.Blocks = append(l.Blocks, Block{})
	copy(l.Blocks[index+1:], l.Blocks[index:])
	l.Blocks[index] = block
	return block
}

// DeleteBlock removes the block with the given id.
func (l *Linear) DeleteBlock(id string) error {
	for i, b := range l.Blocks {
		if b.ID == id {
			l.Blocks = append(l.Blocks[:i], l.Blocks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("block %s not found", id)
}

// MoveBlock reorders the block at fromIndex to toIndex (drag-drop).
func (l *Linear) MoveBlock(fromIndex, toIndex int) error {
	if fromIndex < 0 || fromIndex >= len(l.Blocks) {
		return fmt.Errorf("move from %d out of range", fromIndex)
	}
	if toIndex < 0 || toIndex >= len(l.Blocks) {
		return fmt.Errorf("move to %d out of range", toIndex)
	}
	block := l.Blocks[fromIndex]
	l.Blocks = append(l.Blocks[:fromIndex], l.Blocks[fromIndex+1:]...)
	l.Blocks = append(l.Blocks, Block{})
	copy(l.Blocks[toIndex+1:], l.Blocks[toIndex:])
	l.Blocks[toIndex] = block
	return nil
}

// UpdateContent replaces a block's content.
func (l *Linear) UpdateContent(id, content string) error {
	for i := range l.Blocks {
		if l.Blocks[i].ID == id {
			l.Blocks[i].Content = content
			return nil
		}
	}
	return fmt.Errorf("block %s not found", id)
}

// ToggleCollapse flips a block's collapsed flag.
func (l *Linear) ToggleCollapse(id string) error {
	for i := range l.Blocks {
		if l.Blocks[i].ID == id {
			l.Blocks[i].Collapsed = !l.Blocks[i].Collapsed
			return nil
		}
	}
	return fmt.Errorf("block %s not found", id)
}
