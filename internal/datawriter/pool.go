package datawriter

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tar2sqfs/tar2sqfs"
	"github.com/tar2sqfs/tar2sqfs/internal/fstree"
)

// workItem is one block submitted for compression. result and offsetOut
// are filled in by the writer task once the block has actually landed on
// the sink, so callers can have a tree node's own fields populated
// directly without a second pass.
type workItem struct {
	seq       uint64
	raw       []byte
	result    *fstree.BlockDescriptor
	offsetOut *uint64
}

type doneItem struct {
	seq          uint64
	payload      []byte
	uncompressed bool
	item         *workItem
}

// doneHeap orders doneItems by sequence number so the writer task can pop
// the next one expected regardless of completion order.
type doneHeap []*doneItem

func (h doneHeap) Len() int            { return len(h) }
func (h doneHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h doneHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *doneHeap) Push(x interface{}) { *h = append(*h, x.(*doneItem)) }
func (h *doneHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// pool is the J-worker compression pool plus its single writer task: a
// bounded submission channel, a done heap keyed by sequence number, and
// in-order emission to the sink.
type pool struct {
	sink     Sink
	comp     squashfs.Compression
	progress func(uint64)

	items chan *workItem
	done  chan *doneItem

	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	cond       *sync.Cond
	nextSeq    uint64
	submitted  uint64
	completed  uint64 // count of items the writer task has flushed
	maxBacklog int
	woff       int64
	err        error
}

func newPool(sink Sink, numJobs, maxBacklog int, comp squashfs.Compression, base int64, progress func(uint64)) *pool {
	eg, ctx := errgroup.WithContext(context.Background())
	ctx, cancel := context.WithCancel(ctx)

	p := &pool{
		sink:       sink,
		comp:       comp,
		progress:   progress,
		items:      make(chan *workItem, maxBacklog),
		done:       make(chan *doneItem, maxBacklog),
		eg:         eg,
		ctx:        ctx,
		cancel:     cancel,
		maxBacklog: maxBacklog,
		woff:       base,
	}
	p.cond = sync.NewCond(&p.mu)

	var workers sync.WaitGroup
	workers.Add(numJobs)
	for i := 0; i < numJobs; i++ {
		eg.Go(func() error {
			defer workers.Done()
			return p.worker()
		})
	}
	go func() {
		workers.Wait()
		close(p.done)
	}()
	eg.Go(p.writerTask)

	// Unblock any submitter waiting on backlog room once the group is
	// cancelled, so a fatal error never deadlocks the producer.
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	return p
}

func (p *pool) worker() error {
	for {
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case item, ok := <-p.items:
			if !ok {
				return nil
			}
			payload, uncompressed, err := p.compress(item.raw)
			if err != nil {
				return err
			}
			select {
			case p.done <- &doneItem{seq: item.seq, payload: payload, uncompressed: uncompressed, item: item}:
			case <-p.ctx.Done():
				return p.ctx.Err()
			}
		}
	}
}

func (p *pool) compress(raw []byte) ([]byte, bool, error) {
	compressed, err := p.comp.Compress(raw)
	if err != nil {
		return nil, false, squashfs.NewError(squashfs.KindCompressorRuntime, err)
	}
	if len(compressed) < len(raw) {
		return compressed, false, nil
	}
	return raw, true, nil
}

func (p *pool) writerTask() error {
	pending := &doneHeap{}
	heap.Init(pending)
	next := uint64(0)

	for {
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case it, ok := <-p.done:
			if !ok {
				return nil
			}
			heap.Push(pending, it)
			for pending.Len() > 0 && (*pending)[0].seq == next {
				head := heap.Pop(pending).(*doneItem)
				if err := p.writeOne(head); err != nil {
					return err
				}
				next++
			}
		}
	}
}

func (p *pool) writeOne(it *doneItem) error {
	offset := p.woff
	if _, err := p.sink.WriteAt(it.payload, offset); err != nil {
		return squashfs.NewError(squashfs.KindOutputIO, fmt.Errorf("datawriter: write block at %d: %w", offset, err))
	}

	size := uint32(len(it.payload))
	item := it.item
	if item.result != nil {
		item.result.Size = size
		item.result.Uncompressed = it.uncompressed
	}
	if item.offsetOut != nil {
		*item.offsetOut = uint64(offset)
	}

	p.mu.Lock()
	p.woff += int64(size)
	p.completed++
	p.cond.Broadcast()
	p.mu.Unlock()

	if p.progress != nil {
		p.progress(uint64(offset) + uint64(size))
	}
	return nil
}

// submit enqueues raw for compression, returning the sequence number it
// was assigned. Blocks while inflight work (submitted - completed) is at
// maxBacklog.
func (p *pool) submit(raw []byte, result *fstree.BlockDescriptor, offsetOut *uint64) (uint64, error) {
	p.mu.Lock()
	for p.submitted-p.completed >= uint64(p.maxBacklog) {
		if err := p.err; err != nil {
			p.mu.Unlock()
			return 0, err
		}
		if p.ctx.Err() != nil {
			p.mu.Unlock()
			return 0, p.ctx.Err()
		}
		p.cond.Wait()
	}
	seq := p.nextSeq
	p.nextSeq++
	p.submitted++
	p.mu.Unlock()

	item := &workItem{seq: seq, raw: raw, result: result, offsetOut: offsetOut}
	select {
	case p.items <- item:
		return seq, nil
	case <-p.ctx.Done():
		return 0, p.ctx.Err()
	}
}

// writtenUpTo returns the number of sequence numbers (0..n) the writer
// task has fully flushed to the sink.
func (p *pool) writtenUpTo() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

func (p *pool) writeOffset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.woff
}

// sync closes the submission queue and waits for every worker and the
// writer task to finish, latching the first error seen (if any).
func (p *pool) sync() error {
	close(p.items)
	err := p.eg.Wait()
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	result := p.err
	p.mu.Unlock()
	return result
}

func (p *pool) checkError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	return p.ctx.Err()
}

func (p *pool) close() {
	p.cancel()
}
