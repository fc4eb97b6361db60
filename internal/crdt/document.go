package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/automerge/automerge-go"
)

var (
	// ErrMalformedUpdate indicates that an update payload could not be decoded.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrMalformedState indicates that a full-state payload could not be loaded.
	ErrMalformedState = errors.New("crdt: malformed state")
	// ErrBlockOutOfRange indicates that a block index does not exist.
	ErrBlockOutOfRange = errors.New("crdt: block index out of range")
	// ErrSchemaMissing indicates that the document has no block list yet.
	ErrSchemaMissing = errors.New("crdt: block list missing")
)

const (
	blocksKey    = "blocks"
	blockTypeKey = "type"
	blockTextKey = "text"

	// BlockParagraph is the default block type.
	BlockParagraph = "paragraph"
	// BlockHeading marks a heading block.
	BlockHeading = "heading"
)

// chunkMagic prefixes every automerge document and change chunk.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

// Document is a replicated rich-text page. It is not safe for concurrent use;
// callers serialize access (the session actor owns one instance per page).
type Document struct {
	doc *automerge.Doc
}

// Block is a read-only view of one block of the document.
type Block struct {
	Type string
	Text string
}

// New returns an empty document without any schema.
func New() *Document {
	return &Document{doc: automerge.New()}
}

// Load reconstructs a document from a full-state encoding.
func Load(state []byte) (*Document, error) {
	if len(state) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedState)
	}
	if !bytes.HasPrefix(state, chunkMagic) {
		return nil, fmt.Errorf("%w: missing chunk header", ErrMalformedState)
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return &Document{doc: doc}, nil
}

// ApplyUpdate merges an update produced by EncodeFullState or
// EncodeIncrementalUpdate. Applying the same update twice, or a set of updates
// in any order, converges to the same state.
func (d *Document) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	// LoadIncremental tolerates trailing garbage, so reject payloads that do
	// not start with a chunk header up front.
	if !bytes.HasPrefix(update, chunkMagic) {
		return fmt.Errorf("%w: missing chunk header", ErrMalformedUpdate)
	}
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return nil
}

// EncodeFullState returns a byte encoding that rebuilds the document from empty.
func (d *Document) EncodeFullState() []byte {
	return d.doc.Save()
}

// EncodeIncrementalUpdate returns the changes not covered by since. A zero
// Version encodes every change. It returns nil when there is nothing new.
func (d *Document) EncodeIncrementalUpdate(since Version) ([]byte, error) {
	changes, err := d.doc.Changes(since.hashes...)
	if err != nil {
		return nil, fmt.Errorf("crdt: collect changes: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	var buffer bytes.Buffer
	for _, change := range changes {
		buffer.Write(change.Save())
	}
	return buffer.Bytes(), nil
}

// Version returns the current heads of the document.
func (d *Document) Version() Version {
	return newVersion(d.doc.Heads())
}

// Fork returns an independent copy with its own actor.
func (d *Document) Fork() (*Document, error) {
	forked, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("crdt: fork: %w", err)
	}
	return &Document{doc: forked}, nil
}

// HasSchema reports whether the block list exists.
func (d *Document) HasSchema() bool {
	value, err := d.doc.Path(blocksKey).Get()
	if err != nil {
		return false
	}
	return value.Kind() == automerge.KindList
}

// EnsureSchema creates the block list when it is missing. Only the owner of
// the authoritative copy should call it, otherwise concurrent creations of the
// list shadow each other.
func (d *Document) EnsureSchema() error {
	if d.HasSchema() {
		return nil
	}
	if err := d.doc.Path(blocksKey).Set(automerge.NewList()); err != nil {
		return fmt.Errorf("crdt: create block list: %w", err)
	}
	return nil
}

// AppendBlock adds a block at the end of the document and returns its index.
func (d *Document) AppendBlock(blockType, text string) (int, error) {
	blocks, err := d.blockList()
	if err != nil {
		return 0, err
	}
	index := blocks.Len()
	if err := d.InsertBlock(index, blockType, text); err != nil {
		return 0, err
	}
	return index, nil
}

// InsertBlock inserts a block before position index.
func (d *Document) InsertBlock(index int, blockType, text string) error {
	blocks, err := d.blockList()
	if err != nil {
		return err
	}
	if index < 0 || index > blocks.Len() {
		return fmt.Errorf("%w: %d", ErrBlockOutOfRange, index)
	}
	if strings.TrimSpace(blockType) == "" {
		blockType = BlockParagraph
	}
	block := automerge.NewMap()
	if err := blocks.Insert(index, block); err != nil {
		return fmt.Errorf("crdt: insert block: %w", err)
	}
	if err := block.Set(blockTypeKey, blockType); err != nil {
		return fmt.Errorf("crdt: set block type: %w", err)
	}
	if err := block.Set(blockTextKey, automerge.NewText(text)); err != nil {
		return fmt.Errorf("crdt: set block text: %w", err)
	}
	return nil
}

// InsertText inserts value into the block at the given character position.
func (d *Document) InsertText(index, position int, value string) error {
	text, err := d.blockText(index)
	if err != nil {
		return err
	}
	if err := text.Insert(position, value); err != nil {
		return fmt.Errorf("crdt: insert text: %w", err)
	}
	return nil
}

// DeleteText removes length characters from the block starting at position.
func (d *Document) DeleteText(index, position, length int) error {
	text, err := d.blockText(index)
	if err != nil {
		return err
	}
	if err := text.Delete(position, length); err != nil {
		return fmt.Errorf("crdt: delete text: %w", err)
	}
	return nil
}

// SetBlockType changes the type of an existing block.
func (d *Document) SetBlockType(index int, blockType string) error {
	block, err := d.blockMap(index)
	if err != nil {
		return err
	}
	if err := block.Set(blockTypeKey, blockType); err != nil {
		return fmt.Errorf("crdt: set block type: %w", err)
	}
	return nil
}

// RemoveBlock deletes the block at index.
func (d *Document) RemoveBlock(index int) error {
	blocks, err := d.blockList()
	if err != nil {
		return err
	}
	if index < 0 || index >= blocks.Len() {
		return fmt.Errorf("%w: %d", ErrBlockOutOfRange, index)
	}
	if err := blocks.Delete(index); err != nil {
		return fmt.Errorf("crdt: remove block: %w", err)
	}
	return nil
}

// Blocks returns a snapshot of every block in document order.
func (d *Document) Blocks() []Block {
	value, err := d.doc.Path(blocksKey).Get()
	if err != nil || value.Kind() != automerge.KindList {
		return nil
	}
	values, err := value.List().Values()
	if err != nil {
		return nil
	}
	blocks := make([]Block, 0, len(values))
	for _, item := range values {
		if item.Kind() != automerge.KindMap {
			continue
		}
		blocks = append(blocks, readBlock(item.Map()))
	}
	return blocks
}

// ExtractPlainText flattens the document into newline-delimited text, one line
// per block. It is used for metadata derivation only.
func (d *Document) ExtractPlainText() string {
	blocks := d.Blocks()
	if len(blocks) == 0 {
		return ""
	}
	lines := make([]string, len(blocks))
	for index, block := range blocks {
		lines[index] = block.Text
	}
	return strings.Join(lines, "\n")
}

// blockList resolves the block list to an object-bound handle. Path-bound
// handles do not support every list operation.
func (d *Document) blockList() (*automerge.List, error) {
	value, err := d.doc.Path(blocksKey).Get()
	if err != nil {
		return nil, fmt.Errorf("crdt: read block list: %w", err)
	}
	if value.Kind() != automerge.KindList {
		return nil, ErrSchemaMissing
	}
	return value.List(), nil
}

func (d *Document) blockMap(index int) (*automerge.Map, error) {
	blocks, err := d.blockList()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= blocks.Len() {
		return nil, fmt.Errorf("%w: %d", ErrBlockOutOfRange, index)
	}
	value, err := blocks.Get(index)
	if err != nil {
		return nil, fmt.Errorf("crdt: read block: %w", err)
	}
	if value.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("%w: block %d is not a map", ErrBlockOutOfRange, index)
	}
	return value.Map(), nil
}

func (d *Document) blockText(index int) (*automerge.Text, error) {
	block, err := d.blockMap(index)
	if err != nil {
		return nil, err
	}
	value, err := block.Get(blockTextKey)
	if err != nil {
		return nil, fmt.Errorf("crdt: read block text: %w", err)
	}
	if value.Kind() != automerge.KindText {
		return nil, fmt.Errorf("%w: block %d has no text", ErrBlockOutOfRange, index)
	}
	return value.Text(), nil
}

func readBlock(block *automerge.Map) Block {
	result := Block{Type: BlockParagraph}
	if kind, err := block.Get(blockTypeKey); err == nil && kind.Kind() == automerge.KindStr {
		result.Type = kind.Str()
	}
	text, err := block.Get(blockTextKey)
	if err != nil {
		return result
	}
	switch text.Kind() {
	case automerge.KindText:
		if value, err := text.Text().Get(); err == nil {
			result.Text = value
		}
	case automerge.KindStr:
		result.Text = text.Str()
	}
	return result
}

// Version identifies a document state by its heads.
type Version struct {
	hashes []automerge.ChangeHash
}

func newVersion(heads []automerge.ChangeHash) Version {
	sorted := append([]automerge.ChangeHash(nil), heads...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})
	return Version{hashes: sorted}
}

// IsZero reports whether the version refers to the empty document.
func (v Version) IsZero() bool {
	return len(v.hashes) == 0
}

// Equal reports whether both versions name the same heads.
func (v Version) Equal(other Version) bool {
	if len(v.hashes) != len(other.hashes) {
		return false
	}
	for index := range v.hashes {
		if v.hashes[index] != other.hashes[index] {
			return false
		}
	}
	return true
}

// String renders the heads as a comma separated list.
func (v Version) String() string {
	parts := make([]string, len(v.hashes))
	for index, hash := range v.hashes {
		parts[index] = hash.String()
	}
	return strings.Join(parts, ",")
}
