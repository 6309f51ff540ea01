package process

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// maxLineSize bounds a single output line.
const maxLineSize = 64 * 1024

// Stream identifies the stream an output line came from.
type Stream int

const (
	// Stdout is standard output.
	Stdout Stream = iota
	// Stderr is standard error.
	Stderr
)

// String returns the stream name.
func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Stream) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Line is one line of run output.
type Line struct {
	// Number is the 1-based sequence number across both streams.
	Number int `json:"number"`

	// Stream is the source stream.
	Stream Stream `json:"stream"`

	// Text is the line without its newline.
	Text string `json:"text"`

	// Time is when the line was read.
	Time time.Time `json:"time"`
}

// Output keeps the most recent lines of a run in a ring buffer.
type Output struct {
	mu       sync.RWMutex
	lines    []Line
	capacity int
	head     int
	count    int
	total    int
}

// NewOutput creates an output buffer holding up to capacity lines. A
// capacity of zero keeps nothing but still counts lines.
func NewOutput(capacity int) *Output {
	return &Output{lines: make([]Line, max(capacity, 0)), capacity: max(capacity, 0)}
}

// Read consumes r line by line until EOF.
func (o *Output) Read(r io.Reader, stream Stream) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		o.add(stream, scanner.Text())
	}
	return scanner.Err()
}

func (o *Output) add(stream Stream, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total++
	if o.capacity == 0 {
		return
	}
	line := Line{Number: o.total, Stream: stream, Text: text, Time: time.Now()}
	o.lines[(o.head+o.count)%o.capacity] = line
	if o.count < o.capacity {
		o.count++
	} else {
		o.head = (o.head + 1) % o.capacity
	}
}

// Lines returns the kept lines, oldest first.
func (o *Output) Lines() []Line {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Line, o.count)
	for i := range o.count {
		out[i] = o.lines[(o.head+i)%o.capacity]
	}
	return out
}

// Total returns the number of lines read, including dropped ones.
func (o *Output) Total() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.total
}
