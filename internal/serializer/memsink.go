package serializer

// memSink is a growable in-memory Sink. Every metadata region the
// serializer builds is assembled into one of these first, since its final
// absolute placement in the output file depends on the size of every
// region written before it — only known once that region is itself
// finished.
type memSink struct {
	buf []byte
}

func (m *memSink) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memSink) Bytes() []byte { return m.buf }

func (m *memSink) Len() int64 { return int64(len(m.buf)) }
