package recognizer

// history is a fixed-size ring of frame-level label strings, oldest first.
type history struct {
	buf  []string
	next int
	full bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 10
	}
	return &history{buf: make([]string, size)}
}

func (h *history) push(s string) {
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) items() []string {
	if !h.full {
		return append([]string(nil), h.buf[:h.next]...)
	}
	out := make([]string, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}
