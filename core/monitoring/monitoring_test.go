package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingMonitor struct {
	errs    []error
	tags    []map[string]string
	panics  []any
	flushes int
}

func (r *recordingMonitor) CaptureException(err error, tags map[string]string) {
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}
func (r *recordingMonitor) CapturePanic(v any) { r.panics = append(r.panics, v) }
func (r *recordingMonitor) Flush(time.Duration) { r.flushes++ }

func TestCaptureAndRecover(t *testing.T) {
	rec := &recordingMonitor{}
	Init(rec)
	t.Cleanup(func() { Init(NopMonitor{}) })

	CaptureException(nil, nil)
	CaptureException(errors.New("ledger down"), map[string]string{"order_id": "o1"})
	assert.Len(t, rec.errs, 1)
	assert.Equal(t, "o1", rec.tags[0]["order_id"])

	assert.PanicsWithValue(t, "boom", func() {
		defer Recover()
		panic("boom")
	})
	assert.Equal(t, []any{"boom"}, rec.panics)
	assert.Equal(t, 1, rec.flushes)

	Init(nil)
	Flush(time.Millisecond)
	assert.Equal(t, 2, rec.flushes)
}
