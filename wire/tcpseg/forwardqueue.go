package tcpseg

import "github.com/userspace-net/tunrelay/wire/crc"

// QueuedSegment is one segment of guest-originated data waiting in the
// forward queue for delivery to the host socket.
type QueuedSegment struct {
	Seq  crc.Seq
	Data []byte
	Push bool
}

// ForwardQueue holds received-but-not-yet-forwarded TCP data, sorted by
// starting sequence number. A segment whose starting sequence number is
// already queued replaces that entry in place when its length differs
// and is dropped when it does not. Overlap between entries with
// different starting sequence numbers is not checked, and the queue does
// not know the receive sequence: the TCP engine discards segments that
// start before it before inserting.
type ForwardQueue struct {
	segs []QueuedSegment
}

// Len reports the number of queued segments.
func (q *ForwardQueue) Len() int { return len(q.segs) }

// Insert adds seg to the queue in sequence order. If a segment with the
// same starting sequence already exists, it is replaced when the new
// segment's length differs (the heuristic used to distinguish a
// genuine retransmit-with-correction from a duplicate);
// an identical-length duplicate is dropped. Insert reports whether the
// queue changed.
func (q *ForwardQueue) Insert(seg QueuedSegment) bool {
	for i := range q.segs {
		if q.segs[i].Seq == seg.Seq {
			if len(q.segs[i].Data) == len(seg.Data) {
				return false
			}
			q.segs[i] = seg
			return true
		}
		if seg.Seq.LessThan(q.segs[i].Seq) {
			q.segs = append(q.segs, QueuedSegment{})
			copy(q.segs[i+1:], q.segs[i:])
			q.segs[i] = seg
			return true
		}
	}
	q.segs = append(q.segs, seg)
	return true
}

// Front returns the queue's lowest-sequence segment without removing
// it, and whether the queue held anything.
func (q *ForwardQueue) Front() (QueuedSegment, bool) {
	if len(q.segs) == 0 {
		return QueuedSegment{}, false
	}
	return q.segs[0], true
}

// PopFront removes the queue's front segment once it has been fully
// written to the host socket.
func (q *ForwardQueue) PopFront() {
	if len(q.segs) == 0 {
		return
	}
	q.segs = q.segs[1:]
}

// Advance trims n already-written bytes off the front segment after a
// short write to the host socket, so the next EPOLLOUT drain resumes
// exactly where the last one left off without re-sending those bytes.
func (q *ForwardQueue) Advance(n int) {
	if len(q.segs) == 0 || n <= 0 {
		return
	}
	q.segs[0].Seq = q.segs[0].Seq.Add(uint32(n))
	q.segs[0].Data = q.segs[0].Data[n:]
}

// QueuedBytes sums the length of every segment currently queued,
// regardless of contiguity, used to shrink the advertised receive
// window by the data still sitting in the forward queue.
func (q *ForwardQueue) QueuedBytes() int {
	n := 0
	for _, s := range q.segs {
		n += len(s.Data)
	}
	return n
}

// Clear empties the queue.
func (q *ForwardQueue) Clear() { q.segs = q.segs[:0] }
