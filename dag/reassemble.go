package dag

import (
	"context"
	"fmt"

	"github.com/opd-ai/tauchat/limits"
)

// Getter fetches a block by address. Implementations return their own not-found error,
// which Reassemble wraps unchanged so callers can classify it.
type Getter interface {
	Get(ctx context.Context, h Hash) ([]byte, error)
}

// GetterFunc adapts a function to the Getter interface.
type GetterFunc func(ctx context.Context, h Hash) ([]byte, error)

// Get calls f.
func (f GetterFunc) Get(ctx context.Context, h Hash) ([]byte, error) {
	return f(ctx, h)
}

// walker holds the bounds of one reassembly.
type walker struct {
	getter    Getter
	visited   map[Hash]struct{}
	budget    int
	maxSize   int
	maxFrag   int
	verify    bool
	collected []byte
}

func newWalker(g Getter) *walker {
	return &walker{
		getter:  g,
		visited: make(map[Hash]struct{}),
		budget:  limits.MaxDagBlocks,
		maxSize: limits.MaxPayloadSize,
		maxFrag: limits.FragmentSize,
		verify:  true,
	}
}

// Reassemble walks the chain starting at root and returns the concatenated fragments in
// their original order.
func Reassemble(ctx context.Context, g Getter, layout Layout, root Hash) ([]byte, error) {
	return newWalker(g).run(ctx, layout, root)
}

func (w *walker) run(ctx context.Context, layout Layout, root Hash) ([]byte, error) {
	if root.IsZero() {
		return nil, fmt.Errorf("%w: empty root", ErrCorruptNode)
	}
	if layout != LayoutLinear && layout != LayoutFanOut {
		return nil, fmt.Errorf("%w: unknown layout %v", ErrCorruptNode, layout)
	}

	for cursor := root; !cursor.IsZero(); {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		node, err := w.loadNode(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if node.Horizontal.IsZero() {
			return nil, fmt.Errorf("%w: chain node %s has no content link", ErrCorruptNode, cursor.Short())
		}

		switch layout {
		case LayoutLinear:
			if err := w.appendFragment(ctx, node.Horizontal); err != nil {
				return nil, err
			}
		case LayoutFanOut:
			list, err := w.loadList(ctx, node.Horizontal)
			if err != nil {
				return nil, err
			}
			for _, h := range list {
				if err := w.appendFragment(ctx, h); err != nil {
					return nil, err
				}
			}
		}

		cursor = node.Vertical
	}

	return w.collected, nil
}

// fetch loads one block, checking the traversal budget and the content address.
func (w *walker) fetch(ctx context.Context, h Hash) ([]byte, error) {
	if w.budget <= 0 {
		return nil, fmt.Errorf("%w: traversal limit exceeded", ErrCorruptNode)
	}
	w.budget--

	data, err := w.getter.Get(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %s: %w", h.Short(), err)
	}
	if w.verify && Sum(data) != h {
		return nil, fmt.Errorf("%w: block %s does not match its address", ErrCorruptNode, h.Short())
	}
	return data, nil
}

// enter records a link block; reaching one twice means the links form a cycle.
func (w *walker) enter(h Hash) error {
	if _, seen := w.visited[h]; seen {
		return fmt.Errorf("%w at %s", ErrCycle, h.Short())
	}
	w.visited[h] = struct{}{}
	return nil
}

func (w *walker) loadNode(ctx context.Context, h Hash) (Node, error) {
	if err := w.enter(h); err != nil {
		return Node{}, err
	}
	data, err := w.fetch(ctx, h)
	if err != nil {
		return Node{}, err
	}
	return DecodeNode(data)
}

func (w *walker) loadList(ctx context.Context, h Hash) (FragmentList, error) {
	if err := w.enter(h); err != nil {
		return nil, err
	}
	data, err := w.fetch(ctx, h)
	if err != nil {
		return nil, err
	}
	return DecodeFragmentList(data)
}

func (w *walker) appendFragment(ctx context.Context, h Hash) error {
	data, err := w.fetch(ctx, h)
	if err != nil {
		return err
	}
	if len(data) == 0 || len(data) > w.maxFrag {
		return fmt.Errorf("%w: fragment %s has size %d", ErrCorruptNode, h.Short(), len(data))
	}
	if len(w.collected)+len(data) > w.maxSize {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrCorruptNode, w.maxSize)
	}
	w.collected = append(w.collected, data...)
	return nil
}
