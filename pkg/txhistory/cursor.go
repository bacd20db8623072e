package txhistory

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidCursor is returned for a cursor that is not base64-encoded cursor JSON
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the opaque paging state handed to clients between tx history pages.
// The txid markers record the last record consumed from each source, so a
// repeated page fetch can skip what was already returned.
type Cursor struct {
	PrimaryPage   int    `json:"primaryPage"`
	SecondaryPage int    `json:"secondaryPage"`
	PrimaryTxid   string `json:"primaryTxid,omitempty"`
	SecondaryTxid string `json:"secondaryTxid,omitempty"`
	BlockHeight   *int64 `json:"blockHeight,omitempty"`
	// BlockTxids lists the txids consumed at BlockHeight by either source
	BlockTxids []string `json:"blockTxids,omitempty"`
}

func newCursor() *Cursor {
	return &Cursor{PrimaryPage: 1, SecondaryPage: 1}
}

// DecodeCursor parses an encoded cursor. An empty string starts from the first page.
func DecodeCursor(encoded string) (*Cursor, error) {
	if encoded == "" {
		return newCursor(), nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	cursor := newCursor()
	if err := json.Unmarshal(data, cursor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if cursor.PrimaryPage < 1 || cursor.SecondaryPage < 1 {
		return nil, fmt.Errorf("%w: page numbers start at 1", ErrInvalidCursor)
	}

	return cursor, nil
}

// Encode serializes the cursor for the client
func (c *Cursor) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (c *Cursor) setBlockHeight(height int64) {
	c.BlockHeight = &height
}

// consume records txid as returned at a confirmed height. Moving to a new
// height starts a new txid list.
func (c *Cursor) consume(height int64, txid string) {
	if c.BlockHeight == nil || *c.BlockHeight != height {
		c.setBlockHeight(height)
		c.BlockTxids = nil
	}
	if !c.consumed(txid) {
		c.BlockTxids = append(c.BlockTxids, txKey(txid))
	}
}

// consumed reports whether txid was returned at BlockHeight
func (c *Cursor) consumed(txid string) bool {
	return slices.Contains(c.BlockTxids, txKey(txid))
}
