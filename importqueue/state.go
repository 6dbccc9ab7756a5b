package importqueue

// State is a snapshot of the queue.
// Writing is non-nil only while a file is mid-write,
// and WritingProgressPct only while Writing has reported progress.
// Next is in submission order and never contains Writing.
//
// State is a value; its methods return updated copies
// and never modify a Next slice that may be shared with an older snapshot.
type State struct {
	Writing            *FileRef
	WritingProgressPct *int
	Next               []*FileRef
}

// Idle reports whether nothing is queued or writing.
func (s State) Idle() bool {
	return s.Writing == nil && len(s.Next) == 0
}

// Enqueue appends files to Next.
func (s State) Enqueue(files ...*FileRef) State {
	next := make([]*FileRef, 0, len(s.Next)+len(files))
	next = append(next, s.Next...)
	next = append(next, files...)
	s.Next = next
	return s
}

// Begin moves f from the head of Next into Writing.
// It reports false, leaving s unchanged,
// if f is not the head of Next or another file is writing.
func (s State) Begin(f *FileRef) (State, bool) {
	if s.Writing != nil || len(s.Next) == 0 || s.Next[0] != f {
		return s, false
	}
	next := make([]*FileRef, len(s.Next)-1)
	copy(next, s.Next[1:])

	s.Writing = f
	s.WritingProgressPct = nil
	s.Next = next
	return s, true
}

// Progress records pct for f if f is writing.
func (s State) Progress(f *FileRef, pct int) (State, bool) {
	if s.Writing == nil || s.Writing != f {
		return s, false
	}
	s.WritingProgressPct = &pct
	return s, true
}

// Complete clears Writing if it is f.
func (s State) Complete(f *FileRef) (State, bool) {
	if s.Writing == nil || s.Writing != f {
		return s, false
	}
	s.Writing = nil
	s.WritingProgressPct = nil
	return s, true
}

// Names lists the queued entry names, writing file first.
func (s State) Names() []string {
	var names []string
	if s.Writing != nil {
		names = append(names, s.Writing.FullPath)
	}
	for _, f := range s.Next {
		names = append(names, f.FullPath)
	}
	return names
}
