package client

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/RaphaelDarley/messagedisk/internal/model"
)

const defaultConcurrency = 16

// BlockDevice presents a ring as a flat byte range of ChunkNum*ChunkSize bytes.
// Chunk i holds bytes [i*ChunkSize, (i+1)*ChunkSize).
type BlockDevice struct {
	client      *Client
	ring        model.RingID
	chunkNum    uint64
	chunkSize   int
	concurrency int
}

// NewBlockDevice opens ring id through c, reading its geometry from the node.
func NewBlockDevice(ctx context.Context, c *Client, id model.RingID, concurrency int) (*BlockDevice, error) {
	st, err := c.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.ChunkSize <= 0 {
		return nil, fmt.Errorf("ring %s reports chunk size %d", id, st.ChunkSize)
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &BlockDevice{
		client:      c,
		ring:        id,
		chunkNum:    st.ChunkNum,
		chunkSize:   st.ChunkSize,
		concurrency: concurrency,
	}, nil
}

// Size returns the size of the device in bytes.
func (d *BlockDevice) Size() int64 {
	return int64(d.chunkNum) * int64(d.chunkSize)
}

// ChunkSize returns the size of one chunk.
func (d *BlockDevice) ChunkSize() int {
	return d.chunkSize
}

// ReadAt implements io.ReaderAt.
func (d *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.ReadAtContext(context.Background(), p, off)
}

// WriteAt implements io.WriterAt.
func (d *BlockDevice) WriteAt(p []byte, off int64) (int, error) {
	return d.WriteAtContext(context.Background(), p, off)
}

// span is the part of one chunk covered by a byte range.
type span struct {
	index uint64
	// [from, to) within the chunk
	from, to int
	// offset of the span within the caller's buffer
	bufOff int
}

func (d *BlockDevice) spans(off int64, n int) []span {
	size := int64(d.chunkSize)
	var out []span
	for pos := off; pos < off+int64(n); {
		index := pos / size
		from := int(pos % size)
		to := d.chunkSize
		if rem := off + int64(n) - pos; int64(to-from) > rem {
			to = from + int(rem)
		}
		out = append(out, span{index: uint64(index), from: from, to: to, bufOff: int(pos - off)})
		pos += int64(to - from)
	}
	return out
}

// clamp returns how many bytes of an n byte access at off fit on the device.
func (d *BlockDevice) clamp(off int64, n int) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	size := d.Size()
	if off >= size {
		return 0, io.EOF
	}
	if remaining := size - off; int64(n) > remaining {
		return int(remaining), io.EOF
	}
	return n, nil
}

// ReadAtContext reads len(p) bytes at off, fetching the covering chunks concurrently.
func (d *BlockDevice) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	n, eof := d.clamp(off, len(p))
	if n == 0 {
		return 0, eof
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, s := range d.spans(off, n) {
		s := s
		g.Go(func() error {
			data, err := d.client.Read(gctx, d.ring, s.index)
			if err != nil {
				return fmt.Errorf("read chunk %d: %w", s.index, err)
			}
			if len(data) != d.chunkSize {
				return fmt.Errorf("read chunk %d: got %d bytes, want %d", s.index, len(data), d.chunkSize)
			}
			copy(p[s.bufOff:s.bufOff+s.to-s.from], data[s.from:s.to])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return n, eof
}

// WriteAtContext writes p at off. Chunks covered completely are overwritten; partly
// covered chunks are read, patched and written back.
func (d *BlockDevice) WriteAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	n, eof := d.clamp(off, len(p))
	if n == 0 {
		return 0, eof
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, s := range d.spans(off, n) {
		s := s
		g.Go(func() error {
			chunk := make([]byte, d.chunkSize)
			if s.to-s.from < d.chunkSize {
				current, err := d.client.Read(gctx, d.ring, s.index)
				if err != nil {
					return fmt.Errorf("read chunk %d: %w", s.index, err)
				}
				copy(chunk, current)
			}
			copy(chunk[s.from:s.to], p[s.bufOff:s.bufOff+s.to-s.from])

			if err := d.client.Write(gctx, d.ring, s.index, chunk); err != nil {
				return fmt.Errorf("write chunk %d: %w", s.index, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return n, eof
}
