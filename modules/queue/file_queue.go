package queue

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relayproxy/relay/pkg/entity"
	"github.com/relayproxy/relay/pkg/util/log"
)

var (
	metricQueuedTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "queue_tasks",
		Help:      "Number of submission tasks currently spooled to disk.",
	}, []string{"pipeline"})
	metricQueueBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "queue_bytes",
		Help:      "On-disk size of the spool in bytes.",
	}, []string{"pipeline"})
	metricCorruptTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "queue_corrupt_tasks_total",
		Help:      "Spooled tasks skipped because they failed to deserialize or were truncated.",
	}, []string{"pipeline"})
	metricLostTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "queue_lost_tasks_total",
		Help:      "Spooled tasks dropped without delivery (queue cleared).",
	}, []string{"pipeline"})
)

const (
	segmentPrefix    = "spool-"
	segmentSuffix    = ".dat"
	cursorFile       = "head.cursor"
	maxRecordBytes   = 64 << 20
	defaultSegment   = 32 << 20
	addsBetweenSyncs = 32
)

// FileQueue is the file-backed TaskQueue implementation. One directory per
// HandlerKey; segment files named by rolling sequence number.
type FileQueue struct {
	mtx sync.Mutex

	dir         string
	key         entity.HandlerKey
	segmentSize int64

	segments []int // sorted sequence numbers of existing segments
	headSeg  int
	headOff  int64
	headFile *os.File

	tailFile      *os.File
	tailSeg       int
	tailSize      int64
	addsSinceSync int

	count int

	tasksGauge   prometheus.Gauge
	bytesGauge   prometheus.Gauge
	corruptCount prometheus.Counter
	lostCount    prometheus.Counter
}

var _ TaskQueue = (*FileQueue)(nil)

// OpenFileQueue opens (or creates) the spool directory for one pipeline and
// replays segment metadata. The record at the head cursor is served first.
func OpenFileQueue(baseDir string, key entity.HandlerKey) (*FileQueue, error) {
	dir := filepath.Join(baseDir, key.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating spool directory")
	}

	q := &FileQueue{
		dir:          dir,
		key:          key,
		segmentSize:  defaultSegment,
		tasksGauge:   metricQueuedTasks.WithLabelValues(key.String()),
		bytesGauge:   metricQueueBytes.WithLabelValues(key.String()),
		corruptCount: metricCorruptTasks.WithLabelValues(key.String()),
		lostCount:    metricLostTasks.WithLabelValues(key.String()),
	}

	if err := q.loadSegments(); err != nil {
		return nil, err
	}
	if err := q.loadCursor(); err != nil {
		return nil, err
	}
	if err := q.openTail(); err != nil {
		return nil, err
	}
	q.count = q.scanCount()
	q.tasksGauge.Set(float64(q.count))
	q.bytesGauge.Set(float64(q.diskBytes()))
	return q, nil
}

func (q *FileQueue) Add(record []byte) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.tailSize >= q.segmentSize {
		if err := q.rollSegment(); err != nil {
			return err
		}
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(record)))
	if _, err := q.tailFile.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "writing record length")
	}
	if _, err := q.tailFile.Write(record); err != nil {
		return errors.Wrap(err, "writing record")
	}
	q.tailSize += int64(4 + len(record))
	q.count++
	q.addsSinceSync++
	if q.addsSinceSync >= addsBetweenSyncs {
		if err := q.tailFile.Sync(); err != nil {
			return errors.Wrap(err, "syncing spool segment")
		}
		q.addsSinceSync = 0
	}
	q.tasksGauge.Inc()
	q.bytesGauge.Set(float64(q.diskBytes()))
	return nil
}

func (q *FileQueue) Peek() ([]byte, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.peekLocked()
}

func (q *FileQueue) Remove() error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	record, err := q.peekLocked()
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	q.headOff += int64(4 + len(record))
	q.count--
	q.tasksGauge.Dec()
	q.advancePastExhaustedSegments()
	if err := q.writeCursor(); err != nil {
		return err
	}
	q.bytesGauge.Set(float64(q.diskBytes()))
	return nil
}

func (q *FileQueue) Size() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.count
}

func (q *FileQueue) Stats() Stats {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	s := Stats{Tasks: q.count, Bytes: q.diskBytes()}
	if len(q.segments) > 0 {
		if fi, err := os.Stat(q.segmentPath(q.headSeg)); err == nil {
			s.OldestTask = fi.ModTime()
		}
	}
	return s
}

func (q *FileQueue) Clear() error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.count > 0 {
		q.lostCount.Add(float64(q.count))
		level.Warn(log.Logger).Log("msg", "clearing spool, queued tasks lost",
			"pipeline", q.key, "tasks", q.count)
	}
	q.closeFiles()
	for _, seg := range q.segments {
		os.Remove(q.segmentPath(seg))
	}
	os.Remove(filepath.Join(q.dir, cursorFile))
	q.segments = nil
	q.headSeg, q.headOff = 0, 0
	q.count = 0
	q.tasksGauge.Set(0)
	q.bytesGauge.Set(0)
	return q.openTail()
}

func (q *FileQueue) Close() error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var err error
	if q.tailFile != nil {
		err = q.tailFile.Sync()
	}
	if cErr := q.writeCursor(); err == nil {
		err = cErr
	}
	q.closeFiles()
	return err
}

// peekLocked returns the record at the head cursor, skipping over corrupt or
// truncated records (counted, never returned).
func (q *FileQueue) peekLocked() ([]byte, error) {
	for {
		if q.count == 0 {
			return nil, nil
		}
		if q.headFile == nil {
			f, err := os.Open(q.segmentPath(q.headSeg))
			if err != nil {
				return nil, errors.Wrap(err, "opening head segment")
			}
			q.headFile = f
		}
		record, err := q.readRecordAt(q.headOff)
		if err == nil {
			return record, nil
		}
		if err == io.EOF {
			// exhausted this segment, move to the next one
			if !q.dropHeadSegment() {
				return nil, nil
			}
			continue
		}
		// corrupt record: skip the remainder of the segment
		q.corruptCount.Inc()
		level.Warn(log.Logger).Log("msg", "skipping corrupt spool segment remainder",
			"pipeline", q.key, "segment", q.headSeg, "offset", q.headOff, "err", err)
		if !q.dropHeadSegment() {
			return nil, nil
		}
	}
}

func (q *FileQueue) readRecordAt(off int64) ([]byte, error) {
	fi, err := q.headFile.Stat()
	if err != nil {
		return nil, err
	}
	if off >= fi.Size() {
		return nil, io.EOF
	}
	var lenBuf [4]byte
	if _, err := q.headFile.ReadAt(lenBuf[:], off); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxRecordBytes || off+4+int64(n) > fi.Size() {
		return nil, fmt.Errorf("invalid record length %d at offset %d", n, off)
	}
	record := make([]byte, n)
	if _, err := q.headFile.ReadAt(record, off+4); err != nil {
		return nil, err
	}
	return record, nil
}

// dropHeadSegment removes the current (exhausted or corrupt) head segment
// and repositions the cursor at the start of the next one. Returns false if
// no further segments exist. Records remaining in a dropped corrupt segment
// are subtracted from the count.
func (q *FileQueue) dropHeadSegment() bool {
	if q.headFile != nil {
		q.headFile.Close()
		q.headFile = nil
	}
	remaining := q.countSegment(q.headSeg, q.headOff)
	q.count -= remaining
	if remaining > 0 {
		q.corruptCount.Add(float64(remaining - 1))
		q.tasksGauge.Sub(float64(remaining))
	}

	if q.headSeg == q.tailSeg {
		// head caught up with the live tail: truncate in place
		q.closeFiles()
		os.Remove(q.segmentPath(q.headSeg))
		q.segments = nil
		q.headSeg, q.headOff = 0, 0
		q.writeCursor()
		if err := q.openTail(); err != nil {
			level.Error(log.Logger).Log("msg", "reopening spool tail", "pipeline", q.key, "err", err)
		}
		return q.count > 0
	}

	os.Remove(q.segmentPath(q.headSeg))
	for i, seg := range q.segments {
		if seg == q.headSeg {
			q.segments = append(q.segments[:i], q.segments[i+1:]...)
			break
		}
	}
	if len(q.segments) == 0 {
		return false
	}
	q.headSeg = q.segments[0]
	q.headOff = 0
	q.writeCursor()
	return true
}

func (q *FileQueue) advancePastExhaustedSegments() {
	if q.headFile == nil {
		return
	}
	fi, err := q.headFile.Stat()
	if err != nil {
		return
	}
	if q.headOff >= fi.Size() && q.headSeg != q.tailSeg {
		q.dropHeadSegment()
	}
}

func (q *FileQueue) rollSegment() error {
	if err := q.tailFile.Sync(); err != nil {
		return errors.Wrap(err, "syncing spool segment before roll")
	}
	if err := q.tailFile.Close(); err != nil {
		return err
	}
	q.tailSeg++
	q.segments = append(q.segments, q.tailSeg)
	f, err := os.OpenFile(q.segmentPath(q.tailSeg), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening new spool segment")
	}
	q.tailFile = f
	q.tailSize = 0
	q.addsSinceSync = 0
	return nil
}

func (q *FileQueue) loadSegments() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
		if err != nil {
			continue
		}
		q.segments = append(q.segments, seq)
	}
	sort.Ints(q.segments)
	return nil
}

func (q *FileQueue) loadCursor() error {
	if len(q.segments) == 0 {
		return nil
	}
	q.headSeg = q.segments[0]
	b, err := os.ReadFile(filepath.Join(q.dir, cursorFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var seg int
	var off int64
	if _, err := fmt.Sscanf(string(b), "%d %d", &seg, &off); err != nil {
		return nil // unreadable cursor: restart from the oldest segment
	}
	for _, s := range q.segments {
		if s == seg {
			q.headSeg = seg
			q.headOff = off
			break
		}
	}
	return nil
}

func (q *FileQueue) writeCursor() error {
	tmp := filepath.Join(q.dir, cursorFile+".tmp")
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d %d\n", q.headSeg, q.headOff)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(q.dir, cursorFile))
}

func (q *FileQueue) openTail() error {
	if len(q.segments) == 0 {
		q.segments = []int{1}
		q.headSeg = 1
		q.headOff = 0
	}
	q.tailSeg = q.segments[len(q.segments)-1]
	f, err := os.OpenFile(q.segmentPath(q.tailSeg), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening spool tail segment")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	q.tailFile = f
	q.tailSize = fi.Size()
	return nil
}

// scanCount walks all segments from the head cursor and counts readable
// records. Called once at open time.
func (q *FileQueue) scanCount() int {
	total := 0
	for _, seg := range q.segments {
		off := int64(0)
		if seg < q.headSeg {
			continue
		}
		if seg == q.headSeg {
			off = q.headOff
		}
		total += q.countSegment(seg, off)
	}
	return total
}

func (q *FileQueue) countSegment(seg int, off int64) int {
	f, err := os.Open(q.segmentPath(seg))
	if err != nil {
		return 0
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	n := 0
	for off+4 <= fi.Size() {
		var lenBuf [4]byte
		if _, err := f.ReadAt(lenBuf[:], off); err != nil {
			break
		}
		recLen := binary.BigEndian.Uint32(lenBuf[:])
		if recLen == 0 || recLen > maxRecordBytes || off+4+int64(recLen) > fi.Size() {
			break
		}
		n++
		off += 4 + int64(recLen)
	}
	return n
}

func (q *FileQueue) diskBytes() int64 {
	var total int64
	for _, seg := range q.segments {
		if fi, err := os.Stat(q.segmentPath(seg)); err == nil {
			total += fi.Size()
		}
	}
	return total - q.headOff
}

func (q *FileQueue) segmentPath(seq int) string {
	return filepath.Join(q.dir, fmt.Sprintf("%s%08d%s", segmentPrefix, seq, segmentSuffix))
}

func (q *FileQueue) closeFiles() {
	if q.headFile != nil {
		q.headFile.Close()
		q.headFile = nil
	}
	if q.tailFile != nil {
		q.tailFile.Close()
		q.tailFile = nil
	}
}
